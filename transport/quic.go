package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

const quicALPN = "veilnet/1"

// quicStream adapts one bidirectional stream (plus its owning connection) to deadlineConn.
type quicStream struct {
	*quic.Stream
}

// QUICConnector dials quic:// addresses. Peer authentication happens in the
// overlay handshake; TLS here only protects the session.
type QUICConnector struct {
	Timeout time.Duration
}

func (c *QUICConnector) Dial(ctx context.Context, address string) (Transport, error) {
	scheme, hostport, err := SplitAddress(address)
	if err != nil {
		return nil, err
	}
	if scheme != "quic" {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedAddr, scheme)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
	}
	conn, err := quic.DialAddr(ctx, hostport, tlsConf, &quic.Config{KeepAlivePeriod: 30 * time.Second})
	if err != nil {
		return nil, classify(err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, classify(err)
	}
	return newQUICTransport(conn, stream, "quic://"+hostport), nil
}

func newQUICTransport(conn *quic.Conn, stream *quic.Stream, remote string) Transport {
	return &streamTransport{
		conn:   quicStream{stream},
		remote: remote,
		onClose: func() error {
			return conn.CloseWithError(0, "closed")
		},
	}
}

// QUICListener accepts quic:// sessions, taking the first stream of each connection.
type QUICListener struct {
	ln     *quic.Listener
	closed atomic.Bool
}

// ListenQUIC binds a UDP address with a throwaway self-signed certificate.
func ListenQUIC(address string) (*QUICListener, error) {
	_, hostport, err := SplitAddress(address)
	if err != nil {
		return nil, err
	}
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}
	ln, err := quic.ListenAddr(hostport, tlsConf, &quic.Config{KeepAlivePeriod: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	return &QUICListener{ln: ln}, nil
}

func (l *QUICListener) Addr() string { return "quic://" + l.ln.Addr().String() }

func (l *QUICListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.ln.Close()
}

func (l *QUICListener) Accept(ctx context.Context) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, acceptPoll)
	defer cancel()
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if l.closed.Load() {
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return nil, classify(err)
	}
	streamCtx, streamCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer streamCancel()
	stream, err := conn.AcceptStream(streamCtx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, classify(err)
	}
	return newQUICTransport(conn, stream, "quic://"+conn.RemoteAddr().String()), nil
}

func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
