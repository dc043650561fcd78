package p2p

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"veilnet/core/types"
	"veilnet/transport"
)

const (
	discoveryTick   = time.Second
	strikeLimit     = 3
	acceptErrorWait = time.Second
)

// connectLoop dials one candidate per tick while outbound slots are free.
func (e *Engine) connectLoop(ctx context.Context) {
	ticker := e.clock.Ticker(discoveryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !e.wantOutbound() {
			continue
		}
		node, ok := e.pickCandidate()
		if !ok {
			continue
		}
		e.dialNode(ctx, node)
		e.dialMu.Lock()
		delete(e.dialing, node.ID)
		e.dialMu.Unlock()
	}
}

func (e *Engine) wantOutbound() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closing && e.outbound < e.cfg.outboundLimit() && len(e.links) < e.cfg.ConnectionCountLimit
}

// pickCandidate returns a random unconnected node, preferring recently
// dropped peers over routing-table entries. The node is marked as dialing.
func (e *Engine) pickCandidate() (types.Node, bool) {
	now := e.clock.Now()
	usable := func(n types.Node) bool {
		if n.ID == e.identity.NodeID || len(n.Addresses) == 0 {
			return false
		}
		if _, busy := e.dialing[n.ID]; busy {
			return false
		}
		if e.isConnected(n.ID) || e.isBanned(n.ID) {
			return false
		}
		return e.peerstore == nil || !e.peerstore.NextDialAt(n.ID, now).After(now)
	}

	e.dialMu.Lock()
	defer e.dialMu.Unlock()
	var pool []types.Node
	for _, n := range e.retry {
		if usable(n) {
			pool = append(pool, n)
		}
	}
	if len(pool) == 0 {
		for _, n := range e.routing.Nodes() {
			if usable(n) {
				pool = append(pool, n)
			}
		}
	}
	if len(pool) == 0 {
		return types.Node{}, false
	}
	n := pool[e.intN(len(pool))]
	e.dialing[n.ID] = struct{}{}
	return n, true
}

// dialNode tries each address in turn; exhausting them is a strike.
func (e *Engine) dialNode(ctx context.Context, node types.Node) {
	for _, addr := range node.Addresses {
		if ctx.Err() != nil {
			return
		}
		err := e.dialAddress(ctx, node, addr)
		switch {
		case err == nil,
			errors.Is(err, ErrDuplicatePeer),
			errors.Is(err, ErrPeerLimit),
			errors.Is(err, ErrSelfConnection),
			errors.Is(err, ErrEngineClosed):
			return
		}
		e.logger.Debug("Dial failed",
			slog.String("peer", node.ID.Short()),
			slog.String("address", addr),
			slog.Any("error", err))
	}
	if ctx.Err() == nil {
		e.strike(node)
	}
}

func (e *Engine) dialAddress(ctx context.Context, node types.Node, addr string) error {
	dctx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()
	tr, err := e.connector.Dial(dctx, addr)
	if err != nil {
		return err
	}
	return e.admit(dctx, tr, false, &node.ID)
}

// strike records a failed dial; three strikes drop the node from routing
// unless the table is at its floor.
func (e *Engine) strike(node types.Node) {
	now := e.clock.Now()
	if e.peerstore != nil {
		if _, err := e.peerstore.RecordFail(node.ID, now); err != nil {
			e.logger.Debug("Peerstore update failed", slog.Any("error", err))
		}
	}
	e.dialMu.Lock()
	defer e.dialMu.Unlock()
	delete(e.retry, node.ID)
	e.strikes[node.ID]++
	if e.strikes[node.ID] < strikeLimit {
		return
	}
	delete(e.strikes, node.ID)
	if e.routing.Count() > e.cfg.MinRoutingNodes {
		e.routing.Remove(node.ID)
		e.logger.Debug("Dropped unreachable node", slog.String("peer", node.ID.Short()))
	}
}

// acceptLoop admits inbound sessions from ln until ctx ends or ln closes.
func (e *Engine) acceptLoop(ctx context.Context, ln transport.Listener) {
	for ctx.Err() == nil {
		tr, err := ln.Accept(ctx)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrTimeout):
				continue
			case errors.Is(err, transport.ErrClosed), ctx.Err() != nil:
				return
			}
			e.logger.Warn("Accept failed", slog.String("listener", ln.Addr()), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(acceptErrorWait):
			}
			continue
		}
		if !e.acceptLimiter.allow(tr.RemoteAddress(), e.clock.Now()) {
			e.metrics.recordRejection("rate")
			_ = tr.Close(closeTimeout)
			continue
		}
		_ = e.admit(ctx, tr, true, nil)
	}
}
