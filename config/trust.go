package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"veilnet/core/types"
)

// Link converts the table into a types.Link.
func (lc LinkConfig) Link() (types.Link, error) {
	typ := types.LinkType(strings.TrimSpace(lc.Type))
	if !typ.Known() {
		return types.Link{}, fmt.Errorf("unknown link type %q", lc.Type)
	}
	if typ == types.LinkMail {
		if lc.TagID != "" {
			return types.Link{}, fmt.Errorf("mail links derive TagID from Name")
		}
		link := types.MailLink(lc.Name)
		if !link.Valid() {
			return types.Link{}, fmt.Errorf("invalid mail link %q", lc.Name)
		}
		return link, nil
	}
	id, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(lc.TagID), "0x"))
	if err != nil {
		return types.Link{}, fmt.Errorf("TagID: %w", err)
	}
	link := types.Link{Tag: types.Tag{ID: id, Name: lc.Name}, Type: typ}
	if !link.Valid() {
		return types.Link{}, fmt.Errorf("invalid %s link %q", typ, lc.Name)
	}
	return link, nil
}

// StaticTrust serves the configured criteria to header collection. Replace
// swaps them after a reload.
type StaticTrust struct {
	mu       sync.RWMutex
	criteria []types.TrustCriterion
}

func NewStaticTrust(criteria []types.TrustCriterion) *StaticTrust {
	return &StaticTrust{criteria: criteria}
}

func (s *StaticTrust) GetCriteria() []types.TrustCriterion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.TrustCriterion(nil), s.criteria...)
}

func (s *StaticTrust) Replace(criteria []types.TrustCriterion) {
	s.mu.Lock()
	s.criteria = criteria
	s.mu.Unlock()
}
