package p2p

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeTimeout is returned when a handshake does not finish within HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("p2p: handshake timeout")
	// ErrUnsupportedVersion is returned when the advertised protocol versions do not overlap.
	ErrUnsupportedVersion = errors.New("p2p: no common protocol version")
	// ErrProtocolViolation marks malformed frames, oversized fields and ping mismatches.
	ErrProtocolViolation = errors.New("p2p: protocol violation")
	ErrLinkClosed        = errors.New("p2p: link closed")
	ErrCancelled         = errors.New("p2p: cancelled by peer")
	ErrEngineClosed      = errors.New("p2p: engine closed")
	ErrEngineStarted     = errors.New("p2p: engine already started")

	ErrSelfConnection = errors.New("p2p: connection to self")
	ErrDuplicatePeer  = errors.New("p2p: peer already connected")
	ErrPeerLimit      = errors.New("p2p: connection limit reached")
	ErrPeerBanned     = errors.New("p2p: peer is banned")
	ErrUnexpectedPeer = errors.New("p2p: unexpected node id")

	errEvicted      = errors.New("p2p: evicted as worst outbound peer")
	errUnresponsive = errors.New("p2p: peer unresponsive")
)

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// IsProtocolViolation reports whether err stems from a misbehaving peer.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrUnsupportedVersion)
}
