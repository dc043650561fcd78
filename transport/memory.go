package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	memQueueSize   = 256
	memBacklogSize = 16
)

// memPipe is one direction of an in-memory session.
type memPipe struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newMemPipe() *memPipe {
	return &memPipe{ch: make(chan []byte, memQueueSize), closed: make(chan struct{})}
}

func (p *memPipe) close() {
	p.once.Do(func() { close(p.closed) })
}

// memTransport delivers whole messages through buffered queues. Messages
// queued before a close are still delivered to the reader.
type memTransport struct {
	in     *memPipe
	out    *memPipe
	remote string
}

// Pipe returns two connected in-memory transports.
func Pipe() (Transport, Transport) {
	return pipe("pipe:a", "pipe:b")
}

func pipe(addrA, addrB string) (Transport, Transport) {
	ab, ba := newMemPipe(), newMemPipe()
	a := &memTransport{in: ba, out: ab, remote: addrB}
	b := &memTransport{in: ab, out: ba, remote: addrA}
	return a, b
}

func (t *memTransport) RemoteAddress() string { return t.remote }

func (t *memTransport) Send(msg []byte, timeout time.Duration) error {
	if len(msg) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(msg))
	}
	select {
	case <-t.out.closed:
		return ErrClosed
	case <-t.in.closed:
		return ErrClosed
	default:
	}
	cp := append([]byte(nil), msg...)
	timer := time.NewTimer(orForever(timeout))
	defer timer.Stop()
	select {
	case t.out.ch <- cp:
		return nil
	case <-t.out.closed:
		return ErrClosed
	case <-timer.C:
		return ErrTimeout
	}
}

func (t *memTransport) Receive(timeout time.Duration) ([]byte, error) {
	select {
	case msg := <-t.in.ch:
		return msg, nil
	default:
	}
	timer := time.NewTimer(orForever(timeout))
	defer timer.Stop()
	select {
	case msg := <-t.in.ch:
		return msg, nil
	case <-t.in.closed:
		select {
		case msg := <-t.in.ch:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (t *memTransport) Close(time.Duration) error {
	t.out.close()
	t.in.close()
	return nil
}

func orForever(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 24 * time.Hour
	}
	return timeout
}

// MemoryNetwork connects in-process listeners and connectors. It backs
// tests and single-process simulations.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemoryListener
	dials     atomic.Uint64
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*MemoryListener)}
}

// Listen registers address, which must have the mem://host:port form.
func (n *MemoryNetwork) Listen(address string) (*MemoryListener, error) {
	scheme, _, err := SplitAddress(address)
	if err != nil {
		return nil, err
	}
	if scheme != "mem" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAddr, address)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.listeners[address]; taken {
		return nil, fmt.Errorf("transport: %s already in use", address)
	}
	ln := &MemoryListener{
		network: n,
		addr:    address,
		backlog: make(chan Transport, memBacklogSize),
		closed:  make(chan struct{}),
	}
	n.listeners[address] = ln
	return ln, nil
}

// Dial connects to a listener registered on this network.
func (n *MemoryNetwork) Dial(ctx context.Context, address string) (Transport, error) {
	n.mu.Lock()
	ln := n.listeners[address]
	n.mu.Unlock()
	if ln == nil {
		return nil, fmt.Errorf("%w: nothing listening on %s", ErrClosed, address)
	}
	client := fmt.Sprintf("mem://dialer-%d:1", n.dials.Add(1))
	local, remote := pipe(client, address)
	select {
	case ln.backlog <- remote:
		return local, nil
	case <-ln.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// MemoryListener is the accepting end of a MemoryNetwork address.
type MemoryListener struct {
	network *MemoryNetwork
	addr    string
	backlog chan Transport
	closed  chan struct{}
	once    sync.Once
}

func (l *MemoryListener) Addr() string { return l.addr }

func (l *MemoryListener) Accept(ctx context.Context) (Transport, error) {
	timer := time.NewTimer(acceptPoll)
	defer timer.Stop()
	select {
	case tr := <-l.backlog:
		return tr, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ErrTimeout
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (l *MemoryListener) Close() error {
	l.once.Do(func() {
		l.network.mu.Lock()
		delete(l.network.listeners, l.addr)
		l.network.mu.Unlock()
		close(l.closed)
	})
	return nil
}
