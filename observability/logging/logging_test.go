package logging

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWritesRotatingFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "node.log")
	logger, closer := SetupWithOptions("veild", "test", Options{Level: slog.LevelWarn, File: path, MaxSizeMB: 1})
	logger.Info("dropped below level")
	logger.Warn("peer banned", MaskField("peer_address", "203.0.113.9:7400"), slog.String("reason", "violation"))
	require.NoError(t, closer.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 1)
	require.Equal(t, "peer banned", lines[0]["message"])
	require.Equal(t, "WARN", lines[0]["severity"])
	require.Equal(t, "veild", lines[0]["service"])
	require.Equal(t, RedactedValue, lines[0]["peer_address"])
	require.Equal(t, "violation", lines[0]["reason"])
}

func TestMaskField(t *testing.T) {
	require.Equal(t, "", MaskField("peer_address", "").Value.String())
	require.Equal(t, "boom", MaskField("error", "boom").Value.String())
	require.Equal(t, RedactedValue, MaskField("remote", "10.0.0.1").Value.String())
	require.Equal(t, "tcp://"+RedactedValue, MaskField("peer_address", "tcp://203.0.113.9:7400").Value.String())
	require.Equal(t, "ab12@quic://"+RedactedValue, MaskField("seed", "ab12@quic://198.51.100.4:7401").Value.String())
}

func TestAllowlistSorted(t *testing.T) {
	keys := RedactionAllowlist()
	require.True(t, slices.IsSorted(keys))
	require.True(t, IsAllowlisted(" Reason "))
	require.False(t, IsAllowlisted("peer_address"))
}
