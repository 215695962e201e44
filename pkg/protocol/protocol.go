// Package protocol implements gramlink's connection protocol: frame
// construction and parsing, the create/ok handshake, and socket-like
// endpoints multiplexed over a shared datagram medium.
//
// Every protocol message travels as one datagram: the serialized frame
// in the first value slot, ancillary payload values in the remaining
// slots. A frame carries a request kind, a correlation id, the target
// channel, the connection settings, and the count of payload values
// traveling with it.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"gramlink/pkg/transport"
)

// Wire identity, checked on every parsed frame.
const (
	ProtocolName    = "gramlink"
	ProtocolVersion = "1"
)

// Request kinds.
const (
	KindCreate  byte = iota + 1 // open a connection
	KindPing                    // liveness probe
	KindDestroy                 // tear a connection down
	KindWrite                   // payload transfer
	KindOk                      // positive status reply
	KindErr                     // negative status reply
)

// MaxPayload bounds the ancillary values of one frame: one datagram slot
// always belongs to the frame itself.
const MaxPayload = transport.DefaultMaxValues - 1

// DefaultDialTimeout bounds the handshake wait when the caller passes no
// timeout.
const DefaultDialTimeout = 5 * time.Second

// KindName returns a short name for a request kind, for logs and errors.
func KindName(kind byte) string {
	switch kind {
	case KindCreate:
		return "create"
	case KindPing:
		return "ping"
	case KindDestroy:
		return "destroy"
	case KindWrite:
		return "write"
	case KindOk:
		return "ok"
	case KindErr:
		return "err"
	default:
		return fmt.Sprintf("unknown(%d)", kind)
	}
}

// Frame is one protocol message.
type Frame struct {
	// Kind is the request kind, one of the Kind constants.
	Kind byte

	// CorrelationID is a fresh unique token stamped at construction.
	// The protocol never interprets it; replies are matched by channel
	// and sender address instead.
	CorrelationID uuid.UUID

	// Channel the frame is addressed to.
	Channel uint16

	// Settings is the opaque configuration the connection was created
	// with, echoed on every frame of its lifetime.
	Settings map[string]string

	// PayloadLen counts the ancillary values carried alongside the
	// frame in the same datagram.
	PayloadLen int

	// ReplyTo is the address of the node that built the frame. It is
	// serialized but informational only; routing trusts Origin.
	ReplyTo transport.Address

	// Origin is the sender address reported by the transport on
	// receipt. It is never read from the wire.
	Origin transport.Address
}

// wireFrame is the serialized shape of a Frame.
type wireFrame struct {
	Proto      string            `msgpack:"p"`
	Version    string            `msgpack:"v"`
	Kind       byte              `msgpack:"k"`
	ID         string            `msgpack:"id"`
	Channel    uint16            `msgpack:"ch"`
	Settings   map[string]string `msgpack:"s"`
	PayloadLen int               `msgpack:"n"`
	ReplyTo    string            `msgpack:"r"`
}

// NewFrame builds a frame with a fresh correlation id. local is the
// building node's own address.
func NewFrame(kind byte, channel uint16, settings map[string]string, payloadLen int, local transport.Address) *Frame {
	return &Frame{
		Kind:          kind,
		CorrelationID: uuid.New(),
		Channel:       channel,
		Settings:      settings,
		PayloadLen:    payloadLen,
		ReplyTo:       local,
	}
}

// Encode serializes the frame. It fails only when the frame claims more
// payload values than one datagram can carry.
func (f *Frame) Encode() ([]byte, error) {
	if f.PayloadLen < 0 || f.PayloadLen > MaxPayload {
		return nil, ErrTooLarge
	}
	return msgpack.Marshal(wireFrame{
		Proto:      ProtocolName,
		Version:    ProtocolVersion,
		Kind:       f.Kind,
		ID:         f.CorrelationID.String(),
		Channel:    f.Channel,
		Settings:   f.Settings,
		PayloadLen: f.PayloadLen,
		ReplyTo:    f.ReplyTo,
	})
}

// Decode parses a serialized frame, rejecting foreign, malformed, and
// unknown-kind input with ErrBadFrame. Origin is left unset; the receive
// path stamps it from the datagram's sender identity.
func Decode(data []byte) (*Frame, error) {
	var w wireFrame
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if w.Proto != ProtocolName {
		return nil, fmt.Errorf("%w: foreign protocol %q", ErrBadFrame, w.Proto)
	}
	if w.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrBadFrame, w.Version)
	}
	if w.Kind < KindCreate || w.Kind > KindErr {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrBadFrame, w.Kind)
	}
	if w.PayloadLen < 0 || w.PayloadLen > MaxPayload {
		return nil, fmt.Errorf("%w: payload length %d out of range", ErrBadFrame, w.PayloadLen)
	}
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad correlation id", ErrBadFrame)
	}
	return &Frame{
		Kind:          w.Kind,
		CorrelationID: id,
		Channel:       w.Channel,
		Settings:      w.Settings,
		PayloadLen:    w.PayloadLen,
		ReplyTo:       w.ReplyTo,
	}, nil
}
