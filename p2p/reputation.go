package p2p

import (
	"math"
	"sync"
	"time"

	"veilnet/core/types"
)

const (
	usefulRewardDelta    = 1
	violationPenalty     = -20
	unresponsivePenalty  = -5
	defaultBanScore      = 60
	defaultBanDuration   = 30 * time.Minute
	defaultDecayHalfLife = 10 * time.Minute

	// Scores closer to zero than this are treated as fully decayed.
	decayFloor = 1e-6
)

// ReputationConfig tunes scoring. Zero values take defaults.
type ReputationConfig struct {
	BanScore      int
	BanDuration   time.Duration
	DecayHalfLife time.Duration
}

func (c ReputationConfig) withDefaults() ReputationConfig {
	if c.BanScore <= 0 {
		c.BanScore = defaultBanScore
	}
	if c.BanDuration <= 0 {
		c.BanDuration = defaultBanDuration
	}
	if c.DecayHalfLife <= 0 {
		c.DecayHalfLife = defaultDecayHalfLife
	}
	return c
}

// ReputationStatus is a peer's standing after an adjustment.
type ReputationStatus struct {
	Score       int
	Banned      bool
	Until       time.Time
	Useful      uint64
	Misbehavior uint64
}

// standing is the mutable per-node state. score drifts toward zero with the
// configured half-life, measured from asOf.
type standing struct {
	score float64
	asOf  time.Time
	ban   time.Time
	good  uint64
	bad   uint64
}

func (s *standing) settle(now time.Time, halfLife time.Duration) {
	if !now.After(s.asOf) {
		if now.Before(s.asOf) {
			s.asOf = now
		}
		return
	}
	s.score *= math.Exp2(-now.Sub(s.asOf).Seconds() / halfLife.Seconds())
	if math.Abs(s.score) < decayFloor {
		s.score = 0
	}
	s.asOf = now
}

func (s *standing) rounded() int { return int(math.Round(s.score)) }

func (s *standing) banned(now time.Time) bool { return s.ban.After(now) }

func (s *standing) status(now time.Time) ReputationStatus {
	out := ReputationStatus{Score: s.rounded(), Useful: s.good, Misbehavior: s.bad}
	if s.banned(now) {
		out.Banned, out.Until = true, s.ban
	}
	return out
}

// ReputationManager keeps a decaying score per node and bans peers whose
// score falls to -BanScore.
type ReputationManager struct {
	cfg ReputationConfig

	mu      sync.Mutex
	records map[types.NodeID]*standing
}

func NewReputationManager(cfg ReputationConfig) *ReputationManager {
	return &ReputationManager{cfg: cfg.withDefaults(), records: make(map[types.NodeID]*standing)}
}

// Adjust applies delta after decaying the current score.
func (m *ReputationManager) Adjust(id types.NodeID, delta int, now time.Time) ReputationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[id]
	if !ok {
		s = &standing{asOf: now}
		m.records[id] = s
	}
	s.settle(now, m.cfg.DecayHalfLife)
	s.score += float64(delta)
	switch {
	case delta > 0:
		s.good++
	case delta < 0:
		s.bad++
		if s.rounded() <= -m.cfg.BanScore {
			s.ban = now.Add(m.cfg.BanDuration)
		}
	}
	return s.status(now)
}

// PenalizeViolation is applied when a link closes on a protocol violation.
func (m *ReputationManager) PenalizeViolation(id types.NodeID, now time.Time) ReputationStatus {
	return m.Adjust(id, violationPenalty, now)
}

func (m *ReputationManager) PenalizeUnresponsive(id types.NodeID, now time.Time) ReputationStatus {
	return m.Adjust(id, unresponsivePenalty, now)
}

func (m *ReputationManager) MarkUseful(id types.NodeID, now time.Time) ReputationStatus {
	return m.Adjust(id, usefulRewardDelta, now)
}

// BanInfo reports whether id is banned at now and until when.
func (m *ReputationManager) BanInfo(id types.NodeID, now time.Time) (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.records[id]; ok && s.banned(now) {
		return true, s.ban
	}
	return false, time.Time{}
}

func (m *ReputationManager) IsBanned(id types.NodeID, now time.Time) bool {
	ok, _ := m.BanInfo(id, now)
	return ok
}

func (m *ReputationManager) Score(id types.NodeID, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[id]
	if !ok {
		return 0
	}
	s.settle(now, m.cfg.DecayHalfLife)
	return s.rounded()
}

// Prune drops records that decayed to nothing and carry no ban.
func (m *ReputationManager) Prune(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.records {
		s.settle(now, m.cfg.DecayHalfLife)
		if s.score == 0 && !s.banned(now) {
			delete(m.records, id)
		}
	}
}
