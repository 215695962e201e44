package protocol

import (
	"errors"
	"fmt"
)

// Local error values. Protocol-level negotiation failures are not
// errors here: they travel to the remote peer as Ok/Err control frames.
var (
	// ErrNoReply means the handshake saw no reply before its timeout.
	ErrNoReply = errors.New("protocol: no reply before timeout")

	// ErrTooLarge means a write carried more ancillary values than one
	// datagram can hold. Nothing is sent; the caller must split.
	ErrTooLarge = errors.New("protocol: payload exceeds datagram capacity")

	// ErrBadFrame marks malformed or foreign datagrams. The dispatcher
	// drops these silently; only Decode callers ever see it.
	ErrBadFrame = errors.New("protocol: malformed frame")

	// ErrInvalidCount rejects non-positive read counts.
	ErrInvalidCount = errors.New("protocol: read count must be positive")
)

// RefusedError reports a peer that answered the handshake with
// something other than Ok.
type RefusedError struct {
	Kind   byte   // request kind of the reply
	Reason string // peer-supplied reason, possibly empty
}

func (e *RefusedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("protocol: connection refused: %s", e.Reason)
	}
	return fmt.Sprintf("protocol: connection refused (%s reply)", KindName(e.Kind))
}
