package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// acceptPoll bounds how long a single Accept blocks so callers can observe shutdown.
const acceptPoll = time.Second

// TCPConnector dials tcp:// addresses, optionally through a SOCKS5 proxy.
type TCPConnector struct {
	Timeout time.Duration
	dialer  proxy.ContextDialer
}

// NewTCPConnector returns a direct TCP connector.
func NewTCPConnector(timeout time.Duration) *TCPConnector {
	return &TCPConnector{Timeout: timeout, dialer: &net.Dialer{Timeout: timeout}}
}

// NewSOCKS5Connector routes TCP dials through the proxy at proxyAddr.
func NewSOCKS5Connector(proxyAddr string, auth *proxy.Auth, timeout time.Duration) (*TCPConnector, error) {
	d, err := proxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("transport: socks5 %s: %w", proxyAddr, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("transport: socks5 dialer lacks context support")
	}
	return &TCPConnector{Timeout: timeout, dialer: cd}, nil
}

func (c *TCPConnector) Dial(ctx context.Context, address string) (Transport, error) {
	scheme, hostport, err := SplitAddress(address)
	if err != nil {
		return nil, err
	}
	if scheme != "tcp" {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedAddr, scheme)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, classify(err)
	}
	return NewStreamTransport(conn, "tcp://"+hostport), nil
}

// TCPListener accepts tcp:// sessions.
type TCPListener struct {
	ln *net.TCPListener
}

// ListenTCP binds address ("tcp://host:port" or "host:port").
func ListenTCP(address string) (*TCPListener, error) {
	_, hostport, err := SplitAddress(address)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln.(*net.TCPListener)}, nil
}

func (l *TCPListener) Addr() string { return "tcp://" + l.ln.Addr().String() }

func (l *TCPListener) Close() error { return l.ln.Close() }

func (l *TCPListener) Accept(ctx context.Context) (Transport, error) {
	wait := time.Now().Add(acceptPoll)
	if d, ok := ctx.Deadline(); ok && d.Before(wait) {
		wait = d
	}
	if err := l.ln.SetDeadline(wait); err != nil {
		return nil, classify(err)
	}
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, classify(err)
	}
	return NewStreamTransport(conn, "tcp://"+conn.RemoteAddr().String()), nil
}
