package seeds

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"veilnet/core/types"
)

// recordPrefix tags TXT values carrying a signed seed.
const recordPrefix = "veilseed:v1:"

var errBadSignature = errors.New("seed signature does not verify")

// Record is the signed payload carried in a TXT record, base64 JSON after
// recordPrefix.
type Record struct {
	NodeID  string `json:"nodeId"`
	Address string `json:"address"`
	Window
	Signature string `json:"signature"`
}

// SignRecord produces a TXT record value announcing id at addr for domain.
func SignRecord(priv ed25519.PrivateKey, domain string, id types.NodeID, addr string, notBefore, notAfter int64) (string, error) {
	addr, err := normalizeAddress(addr)
	if err != nil {
		return "", err
	}
	w := Window{NotBefore: notBefore, NotAfter: notAfter}
	sig := ed25519.Sign(priv, signedBytes(id, addr, w, domain))
	raw, err := json.Marshal(Record{
		NodeID:    id.String(),
		Address:   addr,
		Window:    w,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		return "", err
	}
	return recordPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// openRecord decodes a TXT value and verifies it against the zone's key.
func openRecord(txt, zone string, pub ed25519.PublicKey) (Seed, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(txt), recordPrefix)
	if !ok {
		return Seed{}, fmt.Errorf("TXT value lacks %q", recordPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return Seed{}, fmt.Errorf("TXT body: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Seed{}, fmt.Errorf("TXT body: %w", err)
	}
	id, err := types.ParseNodeID(rec.NodeID)
	if err != nil {
		return Seed{}, err
	}
	addr, err := normalizeAddress(rec.Address)
	if err != nil {
		return Seed{}, err
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rec.Signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Seed{}, errBadSignature
	}
	if !ed25519.Verify(pub, signedBytes(id, addr, rec.Window, zone), sig) {
		return Seed{}, errBadSignature
	}
	return Seed{NodeID: id, Address: addr, Source: "dns:" + zone, Window: rec.Window}, nil
}

// signedBytes is the newline-joined id, address, window and lower-cased zone.
func signedBytes(id types.NodeID, addr string, w Window, zone string) []byte {
	msg := make([]byte, 0, 2*types.NodeIDSize+len(addr)+len(zone)+48)
	msg = append(msg, id.String()...)
	msg = append(msg, '\n')
	msg = append(msg, addr...)
	msg = append(msg, '\n')
	msg = strconv.AppendInt(msg, w.NotBefore, 10)
	msg = append(msg, '\n')
	msg = strconv.AppendInt(msg, w.NotAfter, 10)
	msg = append(msg, '\n')
	return append(msg, strings.ToLower(strings.TrimSpace(zone))...)
}
