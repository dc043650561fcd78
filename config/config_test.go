package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"veilnet/core/types"
)

const sampleSeed = "0101010101010101010101010101010101010101010101010101010101010101" +
	"0101010101010101010101010101010101010101010101010101010101010101@tcp://198.51.100.7:7400"

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, `
[Node]
DataDir = "/var/lib/veil"
ListenAddresses = ["tcp://0.0.0.0:7500"]
AdvertiseAddresses = ["tcp://203.0.113.4:7500"]
ConnectionCountLimit = 30
ReadRate = 4.5
ReadBurst = 32

[Transport]
Proxy = "socks5://127.0.0.1:9050"
EnableQUIC = true
QUICListenAddresses = ["quic://0.0.0.0:7501"]

[Bootstrap]
Seeds = ["`+sampleSeed+`"]
RefreshMinutes = 10
DNSServer = "192.0.2.53"

[[Trust]]
Signers = ["alice@abcd"]
  [[Trust.Links]]
  Type = "Chat"
  Name = "lobby"
  TagID = "0a0b0c"
  [[Trust.Links]]
  Type = "Mail"
  Name = "alice@abcd"

[Log]
Level = "debug"
File = "/var/log/veil/node.log"

[Metrics]
Address = ":9100"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/veil", cfg.Node.DataDir)
	require.Equal(t, filepath.Join("/var/lib/veil", identityFileName), cfg.Node.IdentityPath)
	require.Equal(t, 30, cfg.Node.ConnectionCountLimit)
	require.Equal(t, 4.5, cfg.Node.ReadRate)
	require.Equal(t, []string{"tcp://203.0.113.4:7500"}, cfg.Node.AdvertiseAddresses)
	require.True(t, cfg.Transport.EnableQUIC)
	require.Equal(t, defaultConnectTimeout, cfg.Transport.ConnectTimeoutSeconds)
	require.Len(t, cfg.Bootstrap.Seeds, 1)
	require.Equal(t, 10, cfg.Bootstrap.RefreshMinutes)
	require.Equal(t, "192.0.2.53", cfg.Bootstrap.DNSServer)
	require.Equal(t, ":9100", cfg.Metrics.Address)
	require.Equal(t, filepath.Join("/var/lib/veil", "blocks.db"), cfg.BlockstorePath())

	criteria, err := cfg.Criteria()
	require.NoError(t, err)
	require.Len(t, criteria, 1)
	require.Len(t, criteria[0].Links, 2)
	require.Equal(t, types.LinkChat, criteria[0].Links[0].Type)
	require.True(t, criteria[0].Links[1].Equal(types.MailLink("alice@abcd")))

	level, err := ParseLevel(cfg.Log.Level)
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "veil", "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, filepath.Join(dir, "veil", "data"), cfg.Node.DataDir)
	require.Equal(t, []string{defaultListenAddress}, cfg.Node.ListenAddresses)

	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[Node]
MaxPeers = 8
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Node.MaxPeers")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Node.ConnectionCountLimit = 2
	cfg.Node.ListenAddresses = []string{"udp://0.0.0.0:1"}
	cfg.Transport.Proxy = "http://proxy:8080"
	cfg.Transport.QUICListenAddresses = []string{"quic://0.0.0.0:7501"}
	cfg.Bootstrap.Seeds = []string{"not-a-seed"}
	cfg.Trust = []TrustConfig{{Signers: []string{"x"}, Links: []LinkConfig{{Type: "Forum", Name: "n", TagID: "aa"}}}}
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"ConnectionCountLimit",
		"listen address",
		"Proxy",
		"EnableQUIC",
		"bootstrap",
		"unknown link type",
		"log: level",
	} {
		require.True(t, strings.Contains(err.Error(), want), "missing %q in %v", want, err)
	}
}

func TestLinkConfig(t *testing.T) {
	_, err := LinkConfig{Type: "Mail", Name: "bob", TagID: "aa"}.Link()
	require.Error(t, err)

	_, err = LinkConfig{Type: "Section", Name: "news", TagID: "zz"}.Link()
	require.Error(t, err)

	_, err = LinkConfig{Type: "Section", Name: "", TagID: "aa"}.Link()
	require.Error(t, err)

	link, err := LinkConfig{Type: "Section", Name: "news", TagID: "0xaabb"}.Link()
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xbb}, link.Tag.ID)
}

func TestStaticTrustReplace(t *testing.T) {
	trust := NewStaticTrust([]types.TrustCriterion{{Signers: []string{"a"}}})
	got := trust.GetCriteria()
	require.Len(t, got, 1)

	trust.Replace(nil)
	require.Empty(t, trust.GetCriteria())
}
