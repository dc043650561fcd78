package p2p

import "veilnet/core/types"

// Event is one decoded inbound occurrence on a PeerLink. The per-peer loop
// consumes them in order; Closed is always the last event of a started link.
type Event interface {
	event()
}

type NodesReceived struct{ Nodes []types.Node }

type BlocksLinkReceived struct{ Keys []types.Key }

type BlocksRequestReceived struct{ Keys []types.Key }

type BlockReceived struct {
	Key  types.Key
	Data []byte
}

type HeadersRequestReceived struct{ Links []types.Link }

type HeadersReceived struct{ Headers []HeaderBundle }

type Cancelled struct{}

type Closed struct{ Err error }

func (NodesReceived) event()          {}
func (BlocksLinkReceived) event()     {}
func (BlocksRequestReceived) event()  {}
func (BlockReceived) event()          {}
func (HeadersRequestReceived) event() {}
func (HeadersReceived) event()        {}
func (Cancelled) event()              {}
func (Closed) event()                 {}
