// Package transport provides framed, deadline-bound byte-stream sessions
// between overlay nodes and the connectors/listeners that create them.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// MaxFrameSize bounds a single received message.
const MaxFrameSize = 32 << 20

var (
	ErrTimeout         = errors.New("transport: timeout")
	ErrClosed          = errors.New("transport: closed")
	ErrFrameTooLarge   = errors.New("transport: frame too large")
	ErrUnsupportedAddr = errors.New("transport: unsupported address")
)

// Transport is one session with a remote node. Send and Receive are each
// serialised; a failure of either leaves the session unusable.
type Transport interface {
	Send(msg []byte, timeout time.Duration) error
	Receive(timeout time.Duration) ([]byte, error)
	Close(timeout time.Duration) error
	RemoteAddress() string
}

// Connector opens outbound sessions.
type Connector interface {
	Dial(ctx context.Context, address string) (Transport, error)
}

// Listener yields inbound sessions. Accept returns ErrTimeout when nothing
// arrived before ctx or the listener's poll interval expired.
type Listener interface {
	Accept(ctx context.Context) (Transport, error)
	Close() error
	Addr() string
}

type deadlineConn interface {
	io.ReadWriteCloser
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// streamTransport frames messages as [u32 length][message] over a byte stream.
type streamTransport struct {
	conn   deadlineConn
	remote string
	onClose func() error

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewStreamTransport wraps an established stream.
func NewStreamTransport(conn net.Conn, remote string) Transport {
	if remote == "" && conn.RemoteAddr() != nil {
		remote = conn.RemoteAddr().String()
	}
	return &streamTransport{conn: conn, remote: remote}
}

func (t *streamTransport) RemoteAddress() string { return t.remote }

func (t *streamTransport) Send(msg []byte, timeout time.Duration) error {
	if len(msg) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(msg))
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline(timeout)); err != nil {
		return classify(err)
	}
	frame := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(frame, uint32(len(msg)))
	copy(frame[4:], msg)
	if _, err := t.conn.Write(frame); err != nil {
		return classify(err)
	}
	return nil
}

func (t *streamTransport) Receive(timeout time.Duration) ([]byte, error) {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()
	if err := t.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return nil, classify(err)
	}
	var header [4]byte
	if _, err := io.ReadFull(t.conn, header[:]); err != nil {
		return nil, classify(err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(t.conn, msg); err != nil {
		return nil, classify(err)
	}
	return msg, nil
}

func (t *streamTransport) Close(timeout time.Duration) error {
	t.closeOnce.Do(func() {
		_ = t.conn.SetWriteDeadline(deadline(timeout))
		t.closeErr = t.conn.Close()
		if t.onClose != nil {
			if err := t.onClose(); err != nil && t.closeErr == nil {
				t.closeErr = err
			}
		}
	})
	return t.closeErr
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

// SplitAddress separates "scheme://host:port". A bare host:port is tcp.
func SplitAddress(address string) (scheme, hostport string, err error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", "", fmt.Errorf("%w: empty", ErrUnsupportedAddr)
	}
	scheme = "tcp"
	hostport = address
	if i := strings.Index(address, "://"); i >= 0 {
		scheme = strings.ToLower(address[:i])
		hostport = address[i+3:]
	}
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnsupportedAddr, err)
	}
	return scheme, hostport, nil
}
