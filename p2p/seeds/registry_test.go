package seeds

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"veilnet/core/types"
)

var epoch = time.Unix(1_700_000_000, 0)

// txtTable answers lookups from a fixed name->values map.
type txtTable map[string][]string

func (tt txtTable) LookupTXT(_ context.Context, name string) ([]string, error) {
	if v, ok := tt[name]; ok {
		return v, nil
	}
	return nil, errors.New("nxdomain")
}

func filled(b byte) types.NodeID {
	var id types.NodeID
	for i := range id {
		id[i] = b
	}
	return id
}

func authority(t *testing.T, domain string) (Authority, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Authority{Domain: domain, Algorithm: "ed25519", PublicKey: base64.StdEncoding.EncodeToString(pub)}, priv
}

// roundTrip pushes reg through JSON so the parser and validation run.
func roundTrip(t *testing.T, reg Registry) *Registry {
	t.Helper()
	raw, err := json.Marshal(reg)
	if err != nil {
		t.Fatalf("marshal registry: %v", err)
	}
	out, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	return out
}

func TestResolveMergesStaticAndSigned(t *testing.T) {
	t.Parallel()
	auth, priv := authority(t, "seeds.example.org")
	signedID := filled(0xab)
	txt, err := SignRecord(priv, auth.Domain, signedID, "quic://seed-1.example.org:7400",
		epoch.Add(-time.Minute).Unix(), epoch.Add(time.Hour).Unix())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	reg := roundTrip(t, Registry{
		Authorities: []Authority{auth},
		StaticSeeds: []StaticRecord{{NodeID: filled(0xde).String(), Address: "static.example.org:7400"}},
	})

	got, err := reg.Resolve(context.Background(), epoch, txtTable{"_veilseed.seeds.example.org": {txt}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 seeds, got %+v", got)
	}
	if got[0].Source != staticSource {
		t.Fatalf("static seed should come first, got %q", got[0].Source)
	}
	if got[1].Source != "dns:seeds.example.org" || got[1].NodeID != signedID {
		t.Fatalf("unexpected signed seed %+v", got[1])
	}
}

func TestResolveDropsForgedAddress(t *testing.T) {
	t.Parallel()
	auth, priv := authority(t, "faulty.example.org")
	txt, err := SignRecord(priv, auth.Domain, filled(0x01), "seed.example.org:7400", 0, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(txt, recordPrefix))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rec.Address = "evil.example.org:7400"
	raw, _ = json.Marshal(rec)
	forged := recordPrefix + base64.StdEncoding.EncodeToString(raw)

	reg := roundTrip(t, Registry{
		Authorities: []Authority{auth},
		StaticSeeds: []StaticRecord{{NodeID: filled(0xbe).String(), Address: "static.example.org:7400"}},
	})
	got, err := reg.Resolve(context.Background(), epoch, txtTable{"_veilseed.faulty.example.org": {forged}})
	if !errors.Is(err, errBadSignature) {
		t.Fatalf("want signature error, got %v", err)
	}
	if len(got) != 1 || got[0].Source != staticSource {
		t.Fatalf("only the static seed should survive, got %+v", got)
	}
}

func TestResolveSkipsAuthorityOutsideWindow(t *testing.T) {
	t.Parallel()
	auth, _ := authority(t, "later.example.org")
	auth.NotBefore = epoch.Add(time.Hour).Unix()
	reg := roundTrip(t, Registry{Authorities: []Authority{auth}})
	got, err := reg.Resolve(context.Background(), epoch, txtTable{})
	if err != nil || len(got) != 0 {
		t.Fatalf("inactive authority must not be queried: %v %+v", err, got)
	}
}

func TestStaticHonoursWindow(t *testing.T) {
	t.Parallel()
	reg := roundTrip(t, Registry{StaticSeeds: []StaticRecord{{
		NodeID:  filled(0x12).String(),
		Address: "future.example.org:7400",
		Window:  Window{NotBefore: epoch.Add(time.Hour).Unix()},
	}}})
	if got := reg.Static(epoch); len(got) != 0 {
		t.Fatalf("seed is not active yet, got %+v", got)
	}
	if got := reg.Static(epoch.Add(2 * time.Hour)); len(got) != 1 {
		t.Fatalf("seed should be active, got %+v", got)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	for name, doc := range map[string]string{
		"empty":         "  ",
		"version":       `{"version":2}`,
		"short node id": `{"static":[{"nodeId":"0xabc","address":"x:1"}]}`,
		"no domain":     `{"authorities":[{"publicKey":"AAAA"}]}`,
		"algorithm":     `{"authorities":[{"domain":"a.example","algorithm":"rsa","publicKey":"AAAA"}]}`,
		"inverted":      `{"static":[{"nodeId":"` + filled(1).String() + `","address":"static.example.org:7400","notBefore":10,"notAfter":5}]}`,
	} {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

func TestParseStatic(t *testing.T) {
	t.Parallel()
	id := filled(0x7f)
	n, err := ParseStatic(id.String() + "@tcp://10.0.0.1:7400")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.ID != id || len(n.Addresses) != 1 || n.Addresses[0] != "tcp://10.0.0.1:7400" {
		t.Fatalf("unexpected node %+v", n)
	}
	for _, bad := range []string{"no-separator", id.String() + "@nohost"} {
		if _, err := ParseStatic(bad); err == nil {
			t.Fatalf("%q should not parse", bad)
		}
	}
}

func TestSourceGroupsAddressesPerNode(t *testing.T) {
	t.Parallel()
	id := filled(0x42)
	reg := roundTrip(t, Registry{StaticSeeds: []StaticRecord{
		{NodeID: id.String(), Address: "a.example.org:7400"},
		{NodeID: id.String(), Address: "quic://a.example.org:7401"},
		{NodeID: id.String(), Address: "a.example.org:7400"},
	}})
	extra := types.Node{ID: filled(0x43), Addresses: []string{"b.example.org:7400"}}
	src := Source(reg, []types.Node{extra}, txtTable{}, func() time.Time { return epoch })
	nodes, err := src(context.Background())
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if len(nodes) != 2 || nodes[0].ID != extra.ID {
		t.Fatalf("configured node should lead, got %+v", nodes)
	}
	if nodes[1].ID != id || len(nodes[1].Addresses) != 2 {
		t.Fatalf("registry addresses should be grouped and deduplicated, got %+v", nodes[1])
	}
}
