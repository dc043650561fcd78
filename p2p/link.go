package p2p

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"veilnet/core/types"
	"veilnet/crypto"
	"veilnet/transport"
)

const (
	// DefaultSendTimeout bounds every push.
	DefaultSendTimeout = 12 * time.Minute
	// DefaultReceiveTimeout is the longest silence tolerated from a peer.
	DefaultReceiveTimeout = 12 * time.Minute
	// DefaultAliveInterval is the outbound silence after which an Alive frame is sent.
	DefaultAliveInterval = 6 * time.Minute

	defaultReadBurst = 8
	eventQueueSize   = 64
	closeTimeout     = 5 * time.Second
)

// LinkState tracks a PeerLink through its lifetime. Closed is terminal.
type LinkState int32

const (
	LinkDisconnected LinkState = iota
	LinkHandshaking
	LinkOpen
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkHandshaking:
		return "handshaking"
	case LinkOpen:
		return "open"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// LinkOptions tunes a PeerLink. Zero values take the defaults.
type LinkOptions struct {
	Clock            clock.Clock
	HandshakeTimeout time.Duration
	SendTimeout      time.Duration
	ReceiveTimeout   time.Duration
	AliveInterval    time.Duration
	// ReadRate paces the decode loop; rate.Inf disables pacing.
	ReadRate  rate.Limit
	ReadBurst int

	metrics *networkMetrics
}

func (o LinkOptions) withDefaults() LinkOptions {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = DefaultReceiveTimeout
	}
	if o.AliveInterval <= 0 {
		o.AliveInterval = DefaultAliveInterval
	}
	if o.ReadRate == 0 {
		o.ReadRate = rate.Every(time.Second)
	}
	if o.ReadBurst <= 0 {
		o.ReadBurst = defaultReadBurst
	}
	return o
}

// PeerLink is one session with a peer: handshake, framing, keep-alive and
// the decode loop. It never calls back into the engine; everything it learns
// is queued on Events.
type PeerLink struct {
	tr      transport.Transport
	inbound bool
	opts    LinkOptions
	logger  *slog.Logger

	state atomic.Int32

	remote        types.Node
	version       uint32
	localSession  []byte
	remoteSession []byte

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	sendMu   sync.Mutex
	lastSend atomic.Int64

	pingMu    sync.Mutex
	pingNonce []byte
	pingSent  time.Time
	pinged    bool
	response  atomic.Int64

	sentBytes     atomic.Uint64
	receivedBytes atomic.Uint64

	limiter *rate.Limiter
}

// NewPeerLink wraps an established transport. Call Handshake, then Start.
func NewPeerLink(tr transport.Transport, inbound bool, opts LinkOptions) *PeerLink {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	l := &PeerLink{
		tr:      tr,
		inbound: inbound,
		opts:    opts,
		logger:  slog.Default().With(slog.String("component", "p2p_link")),
		events:  make(chan Event, eventQueueSize),
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(opts.ReadRate, opts.ReadBurst),
	}
	l.state.Store(int32(LinkDisconnected))
	return l
}

// Handshake negotiates the session. On failure the link is closed.
func (l *PeerLink) Handshake(ctx context.Context, local types.Node, key *crypto.PrivateKey) error {
	if !l.state.CompareAndSwap(int32(LinkDisconnected), int32(LinkHandshaking)) {
		return fmt.Errorf("p2p: handshake in state %s", l.State())
	}
	res, err := performHandshake(ctx, l.tr, local, key, l.opts.HandshakeTimeout)
	if err != nil {
		l.opts.metrics.recordHandshake(handshakeResultLabel(err))
		l.Close(err)
		return err
	}
	l.opts.metrics.recordHandshake("ok")
	l.remote = res.Remote
	l.version = res.Version
	l.localSession = res.LocalSession
	l.remoteSession = res.RemoteSession
	l.lastSend.Store(l.opts.Clock.Now().UnixNano())
	if !l.state.CompareAndSwap(int32(LinkHandshaking), int32(LinkOpen)) {
		return ErrLinkClosed
	}
	return nil
}

func handshakeResultLabel(err error) string {
	switch {
	case errors.Is(err, ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, ErrUnsupportedVersion):
		return "version"
	case errors.Is(err, ErrProtocolViolation):
		return "violation"
	}
	return "error"
}

// Start launches the decode loop and keep-alive timer.
func (l *PeerLink) Start() {
	go l.readLoop()
	go l.keepAlive()
}

func (l *PeerLink) State() LinkState { return LinkState(l.state.Load()) }

func (l *PeerLink) Remote() types.Node { return l.remote }

func (l *PeerLink) Inbound() bool { return l.inbound }

func (l *PeerLink) SessionID() []byte { return l.localSession }

func (l *PeerLink) RemoteSessionID() []byte { return l.remoteSession }

func (l *PeerLink) RemoteAddress() string { return l.tr.RemoteAddress() }

// Events yields decoded inbound events; the channel closes after Closed.
func (l *PeerLink) Events() <-chan Event { return l.events }

// Done is closed once the link has been closed.
func (l *PeerLink) Done() <-chan struct{} { return l.ctx.Done() }

// Err returns the close reason, or nil while the link is open.
func (l *PeerLink) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// ResponseTime is the ping round trip, known once the Pong arrived.
func (l *PeerLink) ResponseTime() (time.Duration, bool) {
	v := l.response.Load()
	return time.Duration(v), v > 0
}

// Traffic returns bytes sent and received on this link.
func (l *PeerLink) Traffic() (sent, received uint64) {
	return l.sentBytes.Load(), l.receivedBytes.Load()
}

// Close is idempotent. The first reason wins.
func (l *PeerLink) Close(reason error) {
	l.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrLinkClosed
		}
		l.errMu.Lock()
		l.err = reason
		l.errMu.Unlock()
		l.state.Store(int32(LinkClosed))
		l.cancel()
		_ = l.tr.Close(closeTimeout)
	})
}

func (l *PeerLink) readLoop() {
	defer l.finish()
	for {
		if err := l.limiter.Wait(l.ctx); err != nil {
			l.Close(nil)
			return
		}
		msg, err := l.tr.Receive(l.opts.ReceiveTimeout)
		if err != nil {
			l.Close(fmt.Errorf("receive: %w", err))
			return
		}
		if err := l.dispatch(msg); err != nil {
			l.Close(err)
			return
		}
	}
}

// finish delivers the single Closed notification and releases the queue.
func (l *PeerLink) finish() {
	l.Close(nil)
	select {
	case l.events <- Closed{Err: l.Err()}:
	default:
	}
	close(l.events)
}

func (l *PeerLink) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.ctx.Done():
	}
}

func (l *PeerLink) dispatch(msg []byte) error {
	if len(msg) == 0 {
		return violation("empty frame")
	}
	t := FrameType(msg[0])
	payload := msg[1:]
	l.receivedBytes.Add(uint64(len(msg)))
	l.opts.metrics.recordFrame("in", t)

	switch t {
	case FrameAlive:
		return nil
	case FrameCancel:
		l.emit(Cancelled{})
		return ErrCancelled
	case FramePing:
		if len(payload) > MaxNonceSize {
			return violation("ping payload of %d bytes", len(payload))
		}
		return l.send(append([]byte{byte(FramePong)}, payload...))
	case FramePong:
		return l.handlePong(payload)
	}

	entries, err := decodeEntries(payload)
	if err != nil {
		return err
	}
	switch {
	case t == FrameNodes:
		l.emit(NodesReceived{Nodes: parseNodes(entries)})
	case t == FrameBlocksLink:
		l.emit(BlocksLinkReceived{Keys: parseKeys(entries)})
	case t == FrameBlocksRequest:
		l.emit(BlocksRequestReceived{Keys: parseKeys(entries)})
	case t == FrameBlock:
		if key, data, ok := parseBlock(entries); ok {
			l.emit(BlockReceived{Key: key, Data: data})
		}
	case isRequestFrame(t):
		l.emit(HeadersRequestReceived{Links: parseRequest(t, entries)})
	case isHeaderFrame(t):
		l.emit(HeadersReceived{Headers: parseHeaders(t, entries)})
	default:
		return violation("unknown frame type %s", t)
	}
	return nil
}

func (l *PeerLink) handlePong(payload []byte) error {
	if len(payload) > MaxNonceSize {
		return violation("pong payload of %d bytes", len(payload))
	}
	l.pingMu.Lock()
	defer l.pingMu.Unlock()
	if l.pingNonce == nil {
		return violation("unsolicited pong")
	}
	if !bytes.Equal(l.pingNonce, payload) {
		return violation("pong does not echo ping")
	}
	rtt := l.opts.Clock.Since(l.pingSent)
	if rtt <= 0 {
		rtt = time.Nanosecond
	}
	l.response.Store(int64(rtt))
	l.pingNonce = nil
	return nil
}

func (l *PeerLink) keepAlive() {
	if err := l.sendPing(); err != nil {
		return
	}
	ticker := l.opts.Clock.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case now := <-ticker.C:
			last := time.Unix(0, l.lastSend.Load())
			if now.Sub(last) >= l.opts.AliveInterval {
				if err := l.send([]byte{byte(FrameAlive)}); err != nil {
					return
				}
			}
		}
	}
}

// sendPing issues the single ping of this link's lifetime.
func (l *PeerLink) sendPing() error {
	l.pingMu.Lock()
	if l.pinged {
		l.pingMu.Unlock()
		return nil
	}
	nonce := make([]byte, MaxNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		l.pingMu.Unlock()
		return err
	}
	l.pinged = true
	l.pingNonce = nonce
	l.pingSent = l.opts.Clock.Now()
	l.pingMu.Unlock()
	return l.send(append([]byte{byte(FramePing)}, nonce...))
}

// send writes one frame. A transport failure closes the link.
func (l *PeerLink) send(frame []byte) error {
	if l.State() != LinkOpen {
		return ErrLinkClosed
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if err := l.tr.Send(frame, l.opts.SendTimeout); err != nil {
		err = fmt.Errorf("send %s: %w", FrameType(frame[0]), err)
		l.Close(err)
		return err
	}
	l.lastSend.Store(l.opts.Clock.Now().UnixNano())
	l.sentBytes.Add(uint64(len(frame)))
	l.opts.metrics.recordFrame("out", FrameType(frame[0]))
	return nil
}

func (l *PeerLink) PushCancel() error {
	return l.send([]byte{byte(FrameCancel)})
}

func (l *PeerLink) PushNodes(nodes []types.Node) error {
	return l.send(nodesFrame(nodes))
}

func (l *PeerLink) PushBlocksLink(keys []types.Key) error {
	return l.pushKeys(FrameBlocksLink, keys)
}

func (l *PeerLink) PushBlocksRequest(keys []types.Key) error {
	return l.pushKeys(FrameBlocksRequest, keys)
}

func (l *PeerLink) pushKeys(t FrameType, keys []types.Key) error {
	for len(keys) > 0 {
		n := min(len(keys), maxFrameEntries)
		if err := l.send(keysFrame(t, keys[:n])); err != nil {
			return err
		}
		keys = keys[n:]
	}
	return nil
}

func (l *PeerLink) PushBlock(key types.Key, data []byte) error {
	return l.send(blockFrame(key, data))
}

// PushHeadersRequest sends one request frame per link type present.
func (l *PeerLink) PushHeadersRequest(links []types.Link) error {
	return l.sendGrouped(requestFrames(links))
}

// PushHeaders sends one frame per header frame type present.
func (l *PeerLink) PushHeaders(bundles []HeaderBundle) error {
	return l.sendGrouped(headerFrames(bundles))
}

func (l *PeerLink) sendGrouped(frames map[FrameType][]byte) error {
	order := make([]FrameType, 0, len(frames))
	for t := range frames {
		order = append(order, t)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	for _, t := range order {
		if err := l.send(frames[t]); err != nil {
			return err
		}
	}
	return nil
}
