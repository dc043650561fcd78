package p2p

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"veilnet/core/types"
	"veilnet/transport"
)

// courtesyNodes is how many of our closest nodes a rejected peer receives.
const courtesyNodes = 50

// admit handshakes tr and registers the link. When expect is set the remote
// must present that NodeID. Rejected links are closed before returning.
func (e *Engine) admit(ctx context.Context, tr transport.Transport, inbound bool, expect *types.NodeID) error {
	link := NewPeerLink(tr, inbound, e.linkOptions())
	if err := link.Handshake(ctx, e.BaseNode(), e.identity.PrivateKey); err != nil {
		e.logger.Debug("Handshake failed",
			slog.Bool("inbound", inbound),
			slog.Any("error", err))
		return err
	}
	remote := link.Remote()
	if expect != nil && remote.ID != *expect {
		link.Close(ErrUnexpectedPeer)
		return ErrUnexpectedPeer
	}
	if err := e.register(link); err != nil {
		e.reject(link, err)
		return err
	}
	return nil
}

// register applies the admission rules and starts the peer loop.
func (e *Engine) register(link *PeerLink) error {
	remote := link.Remote()
	now := e.clock.Now()
	if remote.ID == e.identity.NodeID {
		return ErrSelfConnection
	}
	if e.isBanned(remote.ID) {
		return ErrPeerBanned
	}

	state := e.states.Get(remote.ID)
	h := &linkHandle{
		id:          uuid.New(),
		link:        link,
		state:       state,
		inbound:     link.Inbound(),
		connectedAt: now,
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if _, dup := e.byNode[remote.ID]; dup {
		e.mu.Unlock()
		return ErrDuplicatePeer
	}
	if len(e.links) >= e.cfg.ConnectionCountLimit ||
		(h.inbound && e.inbound >= e.cfg.inboundLimit()) ||
		(!h.inbound && e.outbound >= e.cfg.outboundLimit()) {
		e.mu.Unlock()
		return ErrPeerLimit
	}
	e.links[h.id] = h
	e.byNode[remote.ID] = h.id
	if h.inbound {
		e.inbound++
	} else {
		e.outbound++
		e.outboundChange = now
	}
	inbound, outbound := e.inbound, e.outbound
	e.peerWG.Add(1)
	e.mu.Unlock()

	state.Connected(link.SessionID())
	e.routing.Live(remote)
	if e.peerstore != nil {
		if err := e.peerstore.Put(remote, now); err != nil {
			e.logger.Debug("Peerstore update failed", slog.Any("error", err))
		}
		if _, err := e.peerstore.RecordSuccess(remote.ID, now); err != nil {
			e.logger.Debug("Peerstore update failed", slog.Any("error", err))
		}
	}
	e.dialMu.Lock()
	delete(e.retry, remote.ID)
	delete(e.strikes, remote.ID)
	e.dialMu.Unlock()
	e.invalidateSearch()
	e.metrics.setPeers(inbound, outbound)

	e.logPeer("Peer connected", h, slog.String("session", h.id.String()))
	link.Start()
	go e.peerLoop(e.runCtx, h)
	return nil
}

// reject sends over-limit peers a Nodes frame and a Cancel before closing.
func (e *Engine) reject(link *PeerLink, reason error) {
	label := "error"
	switch {
	case errors.Is(reason, ErrPeerLimit):
		label = "limit"
		if nodes := e.courtesyNodesFor(link.Remote().ID); len(nodes) > 0 {
			_ = link.PushNodes(nodes)
		}
		_ = link.PushCancel()
	case errors.Is(reason, ErrDuplicatePeer):
		label = "duplicate"
	case errors.Is(reason, ErrSelfConnection):
		label = "self"
	case errors.Is(reason, ErrPeerBanned):
		label = "banned"
	case errors.Is(reason, ErrEngineClosed):
		label = "closing"
	}
	e.metrics.recordRejection(label)
	e.logger.Debug("Peer rejected",
		slog.String("peer", link.Remote().ID.Short()),
		slog.String("reason", label))
	link.Close(reason)
}

// courtesyNodesFor lists our closest known nodes to id, excluding id itself.
func (e *Engine) courtesyNodesFor(id types.NodeID) []types.Node {
	closest := e.routing.Closest(id, courtesyNodes+1)
	out := make([]types.Node, 0, len(closest))
	for _, n := range closest {
		if n.ID != id && len(out) < courtesyNodes {
			out = append(out, n)
		}
	}
	return out
}

func (e *Engine) isBanned(id types.NodeID) bool {
	now := e.clock.Now()
	if e.reputation.IsBanned(id, now) {
		return true
	}
	return e.peerstore != nil && e.peerstore.IsBanned(id, now)
}

// onLinkClosed unregisters h and settles reputation and retry bookkeeping.
func (e *Engine) onLinkClosed(h *linkHandle) {
	remote := h.link.Remote()
	err := h.link.Err()
	now := e.clock.Now()

	e.mu.Lock()
	if cur, ok := e.links[h.id]; ok && cur == h {
		delete(e.links, h.id)
		delete(e.byNode, remote.ID)
		if h.inbound {
			e.inbound--
		} else {
			e.outbound--
			e.outboundChange = now
		}
	}
	inbound, outbound, closing := e.inbound, e.outbound, e.closing
	e.mu.Unlock()

	sent, received := h.link.Traffic()
	e.counters.closedSent.Add(sent)
	e.counters.closedReceived.Add(received)
	h.state.ClearStaged()
	e.forgetUploadTarget(remote.ID)
	e.invalidateSearch()
	e.metrics.setPeers(inbound, outbound)

	switch {
	case IsProtocolViolation(err):
		status := e.reputation.PenalizeViolation(remote.ID, now)
		if status.Banned {
			e.routing.Remove(remote.ID)
			if e.peerstore != nil {
				_ = e.peerstore.SetBan(remote.ID, status.Until)
			}
		}
	case errors.Is(err, errEvicted), errors.Is(err, ErrCancelled), closing:
	default:
		e.dialMu.Lock()
		e.retry[remote.ID] = remote.Clone()
		e.dialMu.Unlock()
	}
	e.logPeer("Peer disconnected", h, slog.Any("reason", err))
}
