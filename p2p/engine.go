// Package p2p implements the overlay node: authenticated peer links, the
// per-peer bookkeeping that bounds gossip, and the engine that admits peers,
// discovers new ones and schedules push/pull dissemination of headers and
// blocks.
package p2p

import (
	"context"
	"errors"
	"log/slog"
	mrand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"veilnet/core/types"
	"veilnet/headers"
	"veilnet/observability/logging"
	"veilnet/routing"
	"veilnet/storage"
	"veilnet/transport"
)

const (
	defaultConnectionLimit = 12
	defaultConnectTimeout  = 20 * time.Second
	defaultLoops           = 3
	defaultRoutingFloor    = 32
	defaultAcceptRate      = 1.0
	defaultAcceptBurst     = 4
)

// EngineConfig holds the engine's tunables. Start from DefaultEngineConfig;
// NewEngine fills zero numeric fields with defaults.
type EngineConfig struct {
	// ConnectionCountLimit caps connected peers; a third may be outbound and
	// two thirds inbound.
	ConnectionCountLimit int
	// Addresses are advertised to peers in our node descriptor.
	Addresses []string

	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	SendTimeout      time.Duration
	ReceiveTimeout   time.Duration
	AliveInterval    time.Duration
	ReadRate         rate.Limit
	ReadBurst        int

	DiscoveryLoops int
	AcceptLoops    int
	// MinRoutingNodes keeps the routing table from being emptied by strikes.
	MinRoutingNodes int
	// MinGossipPeers is the connected-peer count below which upload and
	// download staging is skipped.
	MinGossipPeers int
	// FetchHeaderContent queues the block of every received header for download.
	FetchHeaderContent bool

	AcceptRate  float64
	AcceptBurst int

	Reputation ReputationConfig

	Clock   clock.Clock
	Rand    *mrand.Rand
	Metrics bool
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ConnectionCountLimit: defaultConnectionLimit,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		ConnectTimeout:       defaultConnectTimeout,
		SendTimeout:          DefaultSendTimeout,
		ReceiveTimeout:       DefaultReceiveTimeout,
		AliveInterval:        DefaultAliveInterval,
		ReadRate:             rate.Every(time.Second),
		ReadBurst:            defaultReadBurst,
		DiscoveryLoops:       defaultLoops,
		AcceptLoops:          defaultLoops,
		MinRoutingNodes:      defaultRoutingFloor,
		MinGossipPeers:       1,
		FetchHeaderContent:   true,
		AcceptRate:           defaultAcceptRate,
		AcceptBurst:          defaultAcceptBurst,
		Metrics:              true,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.ConnectionCountLimit <= 0 {
		c.ConnectionCountLimit = d.ConnectionCountLimit
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.AliveInterval <= 0 {
		c.AliveInterval = d.AliveInterval
	}
	if c.ReadRate == 0 {
		c.ReadRate = d.ReadRate
	}
	if c.ReadBurst <= 0 {
		c.ReadBurst = d.ReadBurst
	}
	if c.DiscoveryLoops <= 0 {
		c.DiscoveryLoops = d.DiscoveryLoops
	}
	if c.AcceptLoops <= 0 {
		c.AcceptLoops = d.AcceptLoops
	}
	if c.MinRoutingNodes <= 0 {
		c.MinRoutingNodes = d.MinRoutingNodes
	}
	if c.MinGossipPeers <= 0 {
		c.MinGossipPeers = d.MinGossipPeers
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = d.AcceptBurst
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Rand == nil {
		c.Rand = mrand.New(mrand.NewPCG(mrand.Uint64(), mrand.Uint64()))
	}
	return c
}

func (c EngineConfig) outboundLimit() int {
	return max(1, c.ConnectionCountLimit/3)
}

func (c EngineConfig) inboundLimit() int {
	return max(1, c.ConnectionCountLimit*2/3)
}

// linkHandle is the engine's registry entry for one admitted link.
type linkHandle struct {
	id          uuid.UUID
	link        *PeerLink
	state       *PeerState
	inbound     bool
	connectedAt time.Time
}

type uploadTask struct {
	key     types.Key
	targets map[types.NodeID]bool
	served  int
}

// SeedFunc yields bootstrap nodes; it is polled on start and every refresh.
type SeedFunc func(ctx context.Context) ([]types.Node, error)

type engineCounters struct {
	pushedBlocks         atomic.Uint64
	pulledBlocks         atomic.Uint64
	pushedHeaders        atomic.Uint64
	pulledHeaders        atomic.Uint64
	pushedBlocksLink     atomic.Uint64
	pulledBlocksLink     atomic.Uint64
	pushedBlocksRequest  atomic.Uint64
	pulledBlocksRequest  atomic.Uint64
	pushedHeadersRequest atomic.Uint64
	pulledHeadersRequest atomic.Uint64
	pushedNodes          atomic.Uint64
	pulledNodes          atomic.Uint64
	closedSent           atomic.Uint64
	closedReceived       atomic.Uint64
}

// Engine is the overlay orchestrator.
type Engine struct {
	cfg      EngineConfig
	identity *Identity
	clock    clock.Clock
	logger   *slog.Logger

	routing   routing.Table
	blocks    storage.BlockStore
	headers   *headers.Store
	connector transport.Connector
	listeners []transport.Listener
	peerstore *Peerstore

	reputation    *ReputationManager
	acceptLimiter *acceptLimiter
	metrics       *networkMetrics
	states        *peerRegistry

	randMu sync.Mutex
	rand   *mrand.Rand

	mu             sync.Mutex
	links          map[uuid.UUID]*linkHandle
	byNode         map[types.NodeID]uuid.UUID
	inbound        int
	outbound       int
	outboundChange time.Time
	closing        bool

	dialMu  sync.Mutex
	dialing map[types.NodeID]struct{}
	retry   map[types.NodeID]types.Node
	strikes map[types.NodeID]int

	workMu     sync.Mutex
	uploads    map[string]*uploadTask
	diffusions map[string]types.Key
	downloads  map[string]types.Key
	interest   map[string]types.Link

	searchMu    sync.Mutex
	searchCache *searchSnapshot

	gcMu   sync.Mutex
	seedMu sync.Mutex
	bgWG   sync.WaitGroup

	trustMu sync.RWMutex
	trust   headers.TrustCriteriaProvider

	seedFn    SeedFunc
	seedEvery time.Duration

	counters engineCounters

	runMu   sync.Mutex
	started bool
	closed  bool
	runCtx  context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	peerWG  sync.WaitGroup
}

// NewEngine wires the engine to its collaborators. Listeners and a peerstore
// may be attached before Start.
func NewEngine(cfg EngineConfig, identity *Identity, table routing.Table, blocks storage.BlockStore, store *headers.Store, connector transport.Connector) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:           cfg,
		identity:      identity,
		clock:         cfg.Clock,
		logger:        slog.Default().With(slog.String("component", "p2p_engine")),
		routing:       table,
		blocks:        blocks,
		headers:       store,
		connector:     connector,
		reputation:    NewReputationManager(cfg.Reputation),
		acceptLimiter: newAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst),
		states:        newPeerRegistry(MaxPeerStates, cfg.Clock),
		rand:          cfg.Rand,
		links:         make(map[uuid.UUID]*linkHandle),
		byNode:        make(map[types.NodeID]uuid.UUID),
		dialing:       make(map[types.NodeID]struct{}),
		retry:         make(map[types.NodeID]types.Node),
		strikes:       make(map[types.NodeID]int),
		uploads:       make(map[string]*uploadTask),
		diffusions:    make(map[string]types.Key),
		downloads:     make(map[string]types.Key),
		interest:      make(map[string]types.Link),
	}
	if cfg.Metrics {
		e.metrics = newNetworkMetrics()
	}
	e.states.addLocked(e.isConnected)
	return e
}

// AddListener serves inbound sessions from ln once started.
func (e *Engine) AddListener(ln transport.Listener) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.listeners = append(e.listeners, ln)
}

// SetPeerstore persists known nodes and dial backoff.
func (e *Engine) SetPeerstore(ps *Peerstore) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.peerstore = ps
}

// SetSeedSource installs a bootstrap source polled every interval. It may be
// replaced while the engine runs.
func (e *Engine) SetSeedSource(fn SeedFunc, interval time.Duration) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.seedFn = fn
	e.seedEvery = interval
}

// SetTrustCriteriaProvider supplies the policy used by header collection.
func (e *Engine) SetTrustCriteriaProvider(p headers.TrustCriteriaProvider) {
	e.trustMu.Lock()
	e.trust = p
	e.trustMu.Unlock()
}

// SetLockedPredicate protects additional peers from registry eviction.
// Connected peers are always protected.
func (e *Engine) SetLockedPredicate(pred LockedPredicate) {
	e.states.addLocked(pred)
}

// BaseNode is the descriptor we present to peers.
func (e *Engine) BaseNode() types.Node {
	return types.Node{ID: e.identity.NodeID, Addresses: append([]string(nil), e.cfg.Addresses...)}
}

// Start launches discovery, accept and gossip loops.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		return ErrEngineStarted
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.runCtx = ctx
	e.loadPeerstore()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.DiscoveryLoops; i++ {
		g.Go(func() error {
			e.connectLoop(gctx)
			return nil
		})
	}
	for _, ln := range e.listeners {
		for i := 0; i < e.cfg.AcceptLoops; i++ {
			g.Go(func() error {
				e.acceptLoop(gctx, ln)
				return nil
			})
		}
	}
	g.Go(func() error {
		e.gossipLoop(gctx)
		return nil
	})
	e.group = g

	e.logger.Info("Overlay engine started",
		slog.String("node", e.identity.NodeID.Short()),
		slog.Int("listeners", len(e.listeners)),
		slog.Int("connection_limit", e.cfg.ConnectionCountLimit))
	return nil
}

// Close stops accepting, joins every loop, then closes remaining links and
// clears per-peer state. It is safe to call more than once.
func (e *Engine) Close() error {
	e.runMu.Lock()
	if e.closed {
		e.runMu.Unlock()
		return nil
	}
	e.closed = true
	cancel, group := e.cancel, e.group
	listeners := append([]transport.Listener(nil), e.listeners...)
	e.runMu.Unlock()

	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	var errs error
	for _, ln := range listeners {
		errs = multierr.Append(errs, ln.Close())
	}
	if cancel != nil {
		cancel()
	}
	if group != nil {
		errs = multierr.Append(errs, group.Wait())
	}

	e.mu.Lock()
	handles := make([]*linkHandle, 0, len(e.links))
	for _, h := range e.links {
		handles = append(handles, h)
	}
	e.mu.Unlock()
	for _, h := range handles {
		h.link.Close(ErrEngineClosed)
	}
	e.peerWG.Wait()
	e.states.Purge()

	e.workMu.Lock()
	for id, task := range e.uploads {
		e.blocks.Unlock(task.key)
		delete(e.uploads, id)
	}
	e.workMu.Unlock()

	e.logger.Info("Overlay engine stopped", slog.String("node", e.identity.NodeID.Short()))
	if errors.Is(errs, transport.ErrClosed) {
		return nil
	}
	return errs
}

func (e *Engine) isClosed() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.closed
}

// Upload files h locally and, when its block is held, pins the block and
// pushes it to the peers closest to its key.
func (e *Engine) Upload(h *types.Header) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	if _, err := e.headers.SetHeader(h); err != nil {
		return err
	}
	e.headers.Touch(h.Link)
	if !e.blocks.Contains(h.Key) {
		return nil
	}
	id := h.Key.ID()
	e.workMu.Lock()
	defer e.workMu.Unlock()
	if _, ok := e.uploads[id]; !ok {
		e.blocks.Lock(h.Key)
		e.uploads[id] = &uploadTask{key: h.Key, targets: make(map[types.NodeID]bool)}
	}
	return nil
}

// CancelUpload unpins a pending upload.
func (e *Engine) CancelUpload(key types.Key) {
	id := key.ID()
	e.workMu.Lock()
	task, ok := e.uploads[id]
	if ok {
		delete(e.uploads, id)
		e.blocks.Unlock(task.key)
	}
	e.workMu.Unlock()
	if !ok {
		return
	}
	for _, h := range e.handles() {
		h.state.DropUpload(key)
	}
}

// Diffusion spreads a held block to the peers closest to its key once.
func (e *Engine) Diffusion(key types.Key) {
	if !key.Valid() {
		return
	}
	e.workMu.Lock()
	e.diffusions[key.ID()] = key
	e.workMu.Unlock()
}

// Download asks peers for a block we do not hold.
func (e *Engine) Download(key types.Key) {
	if !key.Valid() || e.blocks.Contains(key) {
		return
	}
	e.workMu.Lock()
	e.downloads[key.ID()] = key
	e.workMu.Unlock()
}

// RequestHeaders registers interest in link; it is asked from the best peer
// on the next header-request cadence.
func (e *Engine) RequestHeaders(link types.Link) {
	if !link.Valid() {
		return
	}
	e.headers.Touch(link)
	e.workMu.Lock()
	e.interest[link.ID()] = link
	e.workMu.Unlock()
}

// GetHeaders returns held headers of type ht filed under link.
func (e *Engine) GetHeaders(link types.Link, ht types.HeaderType) []*types.Header {
	e.headers.Touch(link)
	return e.headers.GetHeadersByType(link, ht)
}

// Nodes lists the connected peers.
func (e *Engine) Nodes() []types.Node {
	handles := e.handles()
	out := make([]types.Node, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.link.Remote())
	}
	return out
}

// Information is a point-in-time view of engine counters.
type Information struct {
	NodeID               string `json:"nodeId"`
	Inbound              int    `json:"inbound"`
	Outbound             int    `json:"outbound"`
	KnownNodes           int    `json:"knownNodes"`
	PeerStates           int    `json:"peerStates"`
	Headers              int    `json:"headers"`
	PendingUploads       int    `json:"pendingUploads"`
	PendingDownloads     int    `json:"pendingDownloads"`
	SentBytes            uint64 `json:"sentBytes"`
	ReceivedBytes        uint64 `json:"receivedBytes"`
	PushedBlocks         uint64 `json:"pushedBlocks"`
	PulledBlocks         uint64 `json:"pulledBlocks"`
	PushedHeaders        uint64 `json:"pushedHeaders"`
	PulledHeaders        uint64 `json:"pulledHeaders"`
	PushedBlocksLink     uint64 `json:"pushedBlocksLink"`
	PulledBlocksLink     uint64 `json:"pulledBlocksLink"`
	PushedBlocksRequest  uint64 `json:"pushedBlocksRequest"`
	PulledBlocksRequest  uint64 `json:"pulledBlocksRequest"`
	PushedHeadersRequest uint64 `json:"pushedHeadersRequest"`
	PulledHeadersRequest uint64 `json:"pulledHeadersRequest"`
	PushedNodes          uint64 `json:"pushedNodes"`
	PulledNodes          uint64 `json:"pulledNodes"`
}

func (e *Engine) Information() Information {
	info := Information{
		NodeID:               e.identity.NodeID.String(),
		KnownNodes:           e.routing.Count(),
		PeerStates:           e.states.Len(),
		Headers:              e.headers.Len(),
		PushedBlocks:         e.counters.pushedBlocks.Load(),
		PulledBlocks:         e.counters.pulledBlocks.Load(),
		PushedHeaders:        e.counters.pushedHeaders.Load(),
		PulledHeaders:        e.counters.pulledHeaders.Load(),
		PushedBlocksLink:     e.counters.pushedBlocksLink.Load(),
		PulledBlocksLink:     e.counters.pulledBlocksLink.Load(),
		PushedBlocksRequest:  e.counters.pushedBlocksRequest.Load(),
		PulledBlocksRequest:  e.counters.pulledBlocksRequest.Load(),
		PushedHeadersRequest: e.counters.pushedHeadersRequest.Load(),
		PulledHeadersRequest: e.counters.pulledHeadersRequest.Load(),
		PushedNodes:          e.counters.pushedNodes.Load(),
		PulledNodes:          e.counters.pulledNodes.Load(),
		SentBytes:            e.counters.closedSent.Load(),
		ReceivedBytes:        e.counters.closedReceived.Load(),
	}
	e.mu.Lock()
	info.Inbound, info.Outbound = e.inbound, e.outbound
	live := make([]*PeerLink, 0, len(e.links))
	for _, h := range e.links {
		live = append(live, h.link)
	}
	e.mu.Unlock()
	for _, l := range live {
		sent, received := l.Traffic()
		info.SentBytes += sent
		info.ReceivedBytes += received
	}
	e.workMu.Lock()
	info.PendingUploads = len(e.uploads)
	info.PendingDownloads = len(e.downloads)
	e.workMu.Unlock()
	return info
}

func (e *Engine) handles() []*linkHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*linkHandle, 0, len(e.links))
	for _, h := range e.links {
		out = append(out, h)
	}
	return out
}

func (e *Engine) handleFor(id types.NodeID) *linkHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	hid, ok := e.byNode[id]
	if !ok {
		return nil
	}
	return e.links[hid]
}

func (e *Engine) isConnected(id types.NodeID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.byNode[id]
	return ok
}

func (e *Engine) connectedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.links)
}

func (e *Engine) float64() float64 {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.rand.Float64()
}

func (e *Engine) intN(n int) int {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.rand.IntN(n)
}

func (e *Engine) linkOptions() LinkOptions {
	return LinkOptions{
		Clock:            e.clock,
		HandshakeTimeout: e.cfg.HandshakeTimeout,
		SendTimeout:      e.cfg.SendTimeout,
		ReceiveTimeout:   e.cfg.ReceiveTimeout,
		AliveInterval:    e.cfg.AliveInterval,
		ReadRate:         e.cfg.ReadRate,
		ReadBurst:        e.cfg.ReadBurst,
		metrics:          e.metrics,
	}
}

func (e *Engine) loadPeerstore() {
	if e.peerstore == nil {
		return
	}
	now := e.clock.Now()
	loaded := 0
	for _, n := range e.peerstore.Nodes(now) {
		if n.ID == e.identity.NodeID {
			continue
		}
		if e.routing.Add(n) {
			loaded++
		}
	}
	e.logger.Info("Loaded known nodes", slog.Int("count", loaded))
}

// addNode files a gossiped or seeded node into the routing table and peerstore.
func (e *Engine) addNode(n types.Node, now time.Time) {
	if n.ID == e.identity.NodeID || n.Validate() != nil {
		return
	}
	if e.reputation.IsBanned(n.ID, now) {
		return
	}
	e.routing.Add(n)
	if e.peerstore != nil {
		if err := e.peerstore.Put(n, now); err != nil {
			e.logger.Debug("Peerstore update failed", slog.Any("error", err))
		}
	}
}

// AddSeeds files bootstrap nodes and prefers them for the next dials.
func (e *Engine) AddSeeds(nodes []types.Node) {
	now := e.clock.Now()
	e.dialMu.Lock()
	defer e.dialMu.Unlock()
	for _, n := range nodes {
		if n.ID == e.identity.NodeID || n.Validate() != nil {
			continue
		}
		e.addNode(n, now)
		e.retry[n.ID] = n.Clone()
	}
}

func (e *Engine) logPeer(msg string, h *linkHandle, attrs ...any) {
	base := []any{
		slog.String("peer", h.link.Remote().ID.Short()),
		logging.MaskField("peer_address", h.link.RemoteAddress()),
		slog.Bool("inbound", h.inbound),
	}
	e.logger.Info(msg, append(base, attrs...)...)
}
