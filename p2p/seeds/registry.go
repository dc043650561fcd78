// Package seeds resolves bootstrap nodes from a registry of DNS authorities
// publishing ed25519-signed TXT records, with static fallbacks.
package seeds

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"veilnet/core/types"
	"veilnet/transport"
)

const (
	registryVersion = 1
	defaultRefresh  = 15 * time.Minute
	lookupLabel     = "_veilseed."
	staticSource    = "registry.static"
)

var (
	errEmptyRegistry = errors.New("seeds: empty registry")
	errWindow        = errors.New("notAfter precedes notBefore")
)

// Window bounds when an authority or seed may be used. Zero bounds are open.
type Window struct {
	NotBefore int64 `json:"notBefore,omitempty"`
	NotAfter  int64 `json:"notAfter,omitempty"`
}

// Covers reports whether now falls inside the window.
func (w Window) Covers(now time.Time) bool {
	ts := now.Unix()
	return (w.NotBefore <= 0 || ts >= w.NotBefore) && (w.NotAfter <= 0 || ts <= w.NotAfter)
}

func (w Window) check() error {
	if w.NotBefore > 0 && w.NotAfter > 0 && w.NotAfter < w.NotBefore {
		return errWindow
	}
	return nil
}

// Registry lists the DNS authorities allowed to publish seeds and the static
// entries used when every authority is unreachable.
type Registry struct {
	Version        int            `json:"version"`
	RefreshSeconds int            `json:"refreshSeconds,omitempty"`
	Authorities    []Authority    `json:"authorities"`
	StaticSeeds    []StaticRecord `json:"static"`
}

// Authority signs seed records for one zone.
type Authority struct {
	Domain    string `json:"domain"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"publicKey"`
	Lookup    string `json:"lookup,omitempty"`
	Window
}

// StaticRecord is a seed bundled with the registry.
type StaticRecord struct {
	NodeID  string `json:"nodeId"`
	Address string `json:"address"`
	Source  string `json:"source,omitempty"`
	Window
}

// Seed is a validated entry from either source.
type Seed struct {
	NodeID  types.NodeID
	Address string
	Source  string
	Window
}

// Active reports whether the seed's validity window covers now.
func (s Seed) Active(now time.Time) bool { return s.Covers(now) }

// Resolver abstracts DNS TXT lookups. *net.Resolver and *DNSResolver satisfy it.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Parse decodes a JSON registry document. A missing version means the current one.
func Parse(raw []byte) (*Registry, error) {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, errEmptyRegistry
	}
	reg := &Registry{}
	if err := json.Unmarshal(raw, reg); err != nil {
		return nil, fmt.Errorf("seeds: decode registry: %w", err)
	}
	switch reg.Version {
	case 0:
		reg.Version = registryVersion
	case registryVersion:
	default:
		return nil, fmt.Errorf("seeds: registry version %d not supported", reg.Version)
	}
	for i, auth := range reg.Authorities {
		if _, err := auth.verifier(); err != nil {
			return nil, fmt.Errorf("seeds: authority %d (%s): %w", i, auth.Domain, err)
		}
	}
	for i, rec := range reg.StaticSeeds {
		if _, err := rec.seed(); err != nil {
			return nil, fmt.Errorf("seeds: static entry %d: %w", i, err)
		}
	}
	return reg, nil
}

// Load reads and parses a registry file.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seeds: %w", err)
	}
	return Parse(raw)
}

// RefreshInterval is how often DNS authorities are polled.
func (r *Registry) RefreshInterval() time.Duration {
	if r != nil && r.RefreshSeconds > 0 {
		return time.Duration(r.RefreshSeconds) * time.Second
	}
	return defaultRefresh
}

// Static returns the currently active static entries.
func (r *Registry) Static(now time.Time) []Seed {
	if r == nil {
		return nil
	}
	var set seedSet
	for _, rec := range r.StaticSeeds {
		if s, err := rec.seed(); err == nil && s.Active(now) {
			set.add(s)
		}
	}
	return set.list
}

// Resolve queries every active authority and merges the signed seeds with
// the static entries. Partial results are returned alongside lookup errors.
func (r *Registry) Resolve(ctx context.Context, now time.Time, resolver Resolver) ([]Seed, error) {
	if r == nil {
		return nil, nil
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	var set seedSet
	set.add(r.Static(now)...)
	var errs error
	for _, auth := range r.Authorities {
		if !auth.Covers(now) {
			continue
		}
		found, err := auth.resolve(ctx, now, resolver)
		set.add(found...)
		errs = errors.Join(errs, err)
	}
	return set.list, errs
}

// verifier validates the authority and returns its decoded key.
func (a Authority) verifier() (ed25519.PublicKey, error) {
	if strings.TrimSpace(a.Domain) == "" {
		return nil, errors.New("missing domain")
	}
	switch strings.ToLower(strings.TrimSpace(a.Algorithm)) {
	case "", "ed25519":
	default:
		return nil, fmt.Errorf("algorithm %q not supported", a.Algorithm)
	}
	if err := a.check(); err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(a.PublicKey))
	switch {
	case err != nil:
		return nil, fmt.Errorf("public key: %w", err)
	case len(key) != ed25519.PublicKeySize:
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(key), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}

func (a Authority) zone() string { return strings.ToLower(strings.TrimSpace(a.Domain)) }

func (a Authority) lookupName() string {
	if name := strings.TrimSpace(a.Lookup); name != "" {
		return name
	}
	return lookupLabel + strings.TrimSpace(a.Domain)
}

func (a Authority) resolve(ctx context.Context, now time.Time, resolver Resolver) ([]Seed, error) {
	pub, err := a.verifier()
	if err != nil {
		return nil, err
	}
	name := a.lookupName()
	txts, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}
	var set seedSet
	var errs error
	for _, txt := range txts {
		s, err := openRecord(txt, a.zone(), pub)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("lookup %s: %w", name, err))
			continue
		}
		if s.Active(now) {
			set.add(s)
		}
	}
	return set.list, errs
}

func (s StaticRecord) seed() (Seed, error) {
	id, err := types.ParseNodeID(s.NodeID)
	if err != nil {
		return Seed{}, err
	}
	addr, err := normalizeAddress(s.Address)
	if err != nil {
		return Seed{}, err
	}
	if err := s.check(); err != nil {
		return Seed{}, err
	}
	src := strings.TrimSpace(s.Source)
	if src == "" {
		src = staticSource
	}
	return Seed{NodeID: id, Address: addr, Source: src, Window: s.Window}, nil
}

func normalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if _, _, err := transport.SplitAddress(addr); err != nil {
		return "", fmt.Errorf("address %q: %w", addr, err)
	}
	return addr, nil
}

// seedSet keeps first occurrences of each id@address pair in order.
type seedSet struct {
	seen map[string]bool
	list []Seed
}

func (s *seedSet) add(seeds ...Seed) {
	for _, seed := range seeds {
		key := seed.NodeID.String() + "@" + seed.Address
		if s.seen[key] {
			continue
		}
		if s.seen == nil {
			s.seen = make(map[string]bool)
		}
		s.seen[key] = true
		s.list = append(s.list, seed)
	}
}

// ParseStatic decodes a "hexid@address" seed.
func ParseStatic(s string) (types.Node, error) {
	idPart, addr, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return types.Node{}, fmt.Errorf("seeds: %q is not id@address", s)
	}
	id, err := types.ParseNodeID(idPart)
	if err != nil {
		return types.Node{}, err
	}
	if addr, err = normalizeAddress(addr); err != nil {
		return types.Node{}, err
	}
	return types.Node{ID: id, Addresses: []string{addr}}, nil
}

// Nodes groups seeds into node descriptors, one per id.
func Nodes(seeds []Seed) []types.Node {
	pos := make(map[types.NodeID]int, len(seeds))
	var out []types.Node
	for _, s := range seeds {
		if i, ok := pos[s.NodeID]; ok {
			out[i].Addresses = append(out[i].Addresses, s.Address)
			continue
		}
		pos[s.NodeID] = len(out)
		out = append(out, types.Node{ID: s.NodeID, Addresses: []string{s.Address}})
	}
	return out
}

// Source returns a refresh function yielding static nodes plus whatever the
// registry currently resolves. reg may be nil.
func Source(reg *Registry, static []types.Node, resolver Resolver, now func() time.Time) func(context.Context) ([]types.Node, error) {
	return func(ctx context.Context) ([]types.Node, error) {
		nodes := make([]types.Node, 0, len(static))
		for _, n := range static {
			nodes = append(nodes, n.Clone())
		}
		if reg == nil {
			return nodes, nil
		}
		resolved, err := reg.Resolve(ctx, now(), resolver)
		return append(nodes, Nodes(resolved)...), err
	}
}
