package transport

import (
	"context"
	"fmt"
)

// Mux dispatches Dial by address scheme.
type Mux map[string]Connector

func (m Mux) Dial(ctx context.Context, address string) (Transport, error) {
	scheme, _, err := SplitAddress(address)
	if err != nil {
		return nil, err
	}
	c, ok := m[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no connector for %q", ErrUnsupportedAddr, scheme)
	}
	return c.Dial(ctx, address)
}
