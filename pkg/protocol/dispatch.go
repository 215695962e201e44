package protocol

import (
	"github.com/rs/zerolog/log"

	"gramlink/pkg/transport"
)

const reasonAlreadyConnected = "already connected"

// OnDatagram is the socket's inbound dispatcher: the transport invokes
// it once per arriving datagram, and it is the only place protocol
// state transitions happen. It runs to completion under the socket
// mutex, so no two dispatches for the same socket ever interleave. A
// failure while handling one datagram never takes the delivery loop
// down with it.
func (s *Socket) OnDatagram(d transport.Datagram) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Uint16("channel", d.Channel).Msg("dispatch recovered")
		}
	}()

	if s.status == StatusDead {
		return
	}

	f, err := Decode(d.Frame)
	if err != nil {
		log.Debug().Err(err).Str("from", d.From).Msg("dropping undecodable datagram")
		return
	}
	f.Origin = d.From

	// An established client socket answers its own peer directly; any
	// other traffic takes the multiplexing path below, which also
	// covers frames reaching a client on a foreign channel.
	if s.mode == ModeClient && f.Channel == s.channel && f.Origin == s.peer {
		if f.Kind == KindCreate {
			s.reply(f, KindErr, reasonAlreadyConnected)
			return
		}
		s.deliverLocked(f, d.Values)
		return
	}

	s.multiplexLocked(f, d.Values)
}

// multiplexLocked routes one frame against the peer registry.
func (s *Socket) multiplexLocked(f *Frame, values [][]byte) {
	key := Peer{Addr: f.Origin, Channel: f.Channel}

	switch f.Kind {
	case KindCreate:
		if _, registered := s.peers[key]; registered {
			s.reply(f, KindErr, reasonAlreadyConnected)
			return
		}
		if s.admit != nil {
			if err := s.admit(f, values); err != nil {
				s.reply(f, KindErr, err.Error())
				return
			}
		}
		s.peers[key] = struct{}{}
		s.reply(f, KindOk, "")

	case KindDestroy:
		if _, registered := s.peers[key]; !registered {
			return
		}
		if s.admit != nil {
			// Teardown notification; the result is ignored.
			s.admit(f, values)
		}
		delete(s.peers, key)

	case KindPing:
		s.reply(f, KindOk, "")

	default:
		// Data transfer from a peer that never completed a handshake
		// is dropped without a reply.
		if _, registered := s.peers[key]; !registered {
			return
		}
		s.deliverLocked(f, values)
	}
}

// deliverLocked appends one delivery to the inbound buffer and fans it
// out to the registered listeners, synchronously and in registration
// order.
func (s *Socket) deliverLocked(f *Frame, values [][]byte) {
	s.buffer = append(s.buffer, Delivery{Frame: f, Values: values})
	for _, l := range s.listeners {
		l.OnFrame(f, values)
	}
}

// reply sends a control frame back to the originator of f. Negotiation
// outcomes travel to the peer on the wire, never as local errors, so a
// failed reply is only worth a log line.
func (s *Socket) reply(f *Frame, kind byte, reason string) {
	if err := s.SendStatus(f, kind, reason); err != nil {
		log.Warn().Err(err).
			Str("to", f.Origin).
			Str("kind", KindName(kind)).
			Msg("status reply not sent")
	}
}
