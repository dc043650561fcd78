package headers

import (
	"log/slog"
	"sort"
	"time"

	"veilnet/core/types"
)

const (
	// MaxUncoveredLinks is how many links outside every trust criterion survive a collection.
	MaxUncoveredLinks = 1024

	maxUntrustedSigners = 32
)

type retention struct {
	untrusted int
	trusted   int // 0 keeps everything
}

var streamRetention = map[types.LinkType]map[types.HeaderType]retention{
	types.LinkSection: {
		types.HeaderMessage: {untrusted: 32, trusted: 1024},
	},
	types.LinkDocument: {
		types.HeaderPage: {untrusted: 256, trusted: 256},
	},
	types.LinkChat: {
		types.HeaderTopic:   {untrusted: 256, trusted: 256},
		types.HeaderMessage: {untrusted: 32, trusted: 1024},
	},
	types.LinkMail: {
		types.HeaderMailMessage: {untrusted: 32, trusted: 1024},
	},
}

// CollectStats summarises one collection pass.
type CollectStats struct {
	LinksDropped   int
	HeadersDropped int
	Remaining      int
}

// Collect trims the store against criteria:
//  1. uncovered links beyond the MaxUncoveredLinks most recently used are dropped,
//  2. trusted signers per link are the union over covering criteria,
//  3. untrusted singleton signers are randomly sampled down, and stream
//     content is capped per signer oldest-first with an age cutoff.
func (s *Store) Collect(criteria []types.TrustCriterion) CollectStats {
	now := s.clock.Now()

	covered := make(map[string]map[string]struct{})
	for _, c := range criteria {
		for _, l := range c.Links {
			id := l.ID()
			signers := covered[id]
			if signers == nil {
				signers = make(map[string]struct{})
				covered[id] = signers
			}
			for _, signer := range c.Signers {
				signers[signer] = struct{}{}
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.count
	stats := CollectStats{}

	type usage struct {
		id   string
		used time.Time
	}
	var uncovered []usage
	for id := range s.links {
		if _, ok := covered[id]; ok {
			continue
		}
		uncovered = append(uncovered, usage{id: id, used: s.lastUsed[id]})
	}
	if len(uncovered) > MaxUncoveredLinks {
		sort.Slice(uncovered, func(i, j int) bool {
			if uncovered[i].used.Equal(uncovered[j].used) {
				return uncovered[i].id < uncovered[j].id
			}
			return uncovered[i].used.After(uncovered[j].used)
		})
		for _, u := range uncovered[MaxUncoveredLinks:] {
			delete(s.links, u.id)
			stats.LinksDropped++
		}
	}
	for id := range s.lastUsed {
		if _, ok := s.links[id]; !ok {
			delete(s.lastUsed, id)
		}
	}

	for id, entry := range s.links {
		trusted := covered[id]
		for ht, bySigner := range entry.singles {
			s.sampleUntrusted(keysOf(bySigner), trusted, func(signer string) {
				delete(bySigner, signer)
			})
			if len(bySigner) == 0 {
				delete(entry.singles, ht)
			}
		}
		for ht, bySigner := range entry.streams {
			policy, ok := streamRetention[entry.link.Type][ht]
			if !ok {
				delete(entry.streams, ht)
				continue
			}
			for signer, set := range bySigner {
				limit := policy.untrusted
				if _, ok := trusted[signer]; ok {
					limit = policy.trusted
				}
				trimStream(set, limit, streamMaxAge(entry.link.Type, ht), now)
				if len(set) == 0 {
					delete(bySigner, signer)
				}
			}
			s.sampleUntrusted(keysOf(bySigner), trusted, func(signer string) {
				delete(bySigner, signer)
			})
			if len(bySigner) == 0 {
				delete(entry.streams, ht)
			}
		}
		if entry.empty() {
			delete(s.links, id)
			delete(s.lastUsed, id)
			stats.LinksDropped++
		}
	}

	s.count = s.recountLocked()
	stats.HeadersDropped = before - s.count
	stats.Remaining = s.count
	s.logger.Debug("Header collection finished",
		slog.Int("links_dropped", stats.LinksDropped),
		slog.Int("headers_dropped", stats.HeadersDropped),
		slog.Int("remaining", stats.Remaining))
	return stats
}

// sampleUntrusted keeps at most maxUntrustedSigners untrusted signers, chosen
// uniformly at random so that no ordering can be gamed to survive.
func (s *Store) sampleUntrusted(signers []string, trusted map[string]struct{}, drop func(string)) {
	if len(signers) <= maxUntrustedSigners {
		return
	}
	var untrusted []string
	for _, signer := range signers {
		if _, ok := trusted[signer]; !ok {
			untrusted = append(untrusted, signer)
		}
	}
	if len(untrusted) <= maxUntrustedSigners {
		return
	}
	sort.Strings(untrusted)
	for _, i := range s.rng.Perm(len(untrusted))[maxUntrustedSigners:] {
		drop(untrusted[i])
	}
}

// streamMaxAge is the age cutoff applied to a stream; zero means none.
func streamMaxAge(lt types.LinkType, ht types.HeaderType) time.Duration {
	if types.IsMessageLike(lt, ht) {
		return MaxStreamAge
	}
	return 0
}

func trimStream(set map[headerID]*types.Header, limit int, maxAge time.Duration, now time.Time) {
	if maxAge > 0 {
		cutoff := now.Add(-maxAge)
		for id, h := range set {
			if h.CreationTime.Before(cutoff) {
				delete(set, id)
			}
		}
	}
	if limit <= 0 || len(set) <= limit {
		return
	}
	type aged struct {
		id      headerID
		created time.Time
	}
	all := make([]aged, 0, len(set))
	for id, h := range set {
		all = append(all, aged{id: id, created: h.CreationTime})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].created.After(all[j].created)
	})
	for _, a := range all[limit:] {
		delete(set, a.id)
	}
}

func keysOf[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (s *Store) recountLocked() int {
	n := 0
	for _, entry := range s.links {
		for _, bySigner := range entry.singles {
			n += len(bySigner)
		}
		for _, bySigner := range entry.streams {
			for _, set := range bySigner {
				n += len(set)
			}
		}
	}
	return n
}
