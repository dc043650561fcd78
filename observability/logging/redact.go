package logging

import (
	"log/slog"
	"slices"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// Keys that never carry peer-identifying data.
var safeKeys = []string{
	"component",
	"direction",
	"env",
	"error",
	"frame",
	"message",
	"node",
	"peer",
	"reason",
	"service",
	"severity",
	"timestamp",
}

// IsAllowlisted reports whether key is emitted verbatim.
func IsAllowlisted(key string) bool {
	_, ok := slices.BinarySearch(safeKeys, strings.ToLower(strings.TrimSpace(key)))
	return ok
}

// RedactionAllowlist returns a copy of the verbatim keys in sorted order.
func RedactionAllowlist() []string {
	return slices.Clone(safeKeys)
}

// MaskAddress hides the host part of an overlay address while keeping what
// helps debugging: the scheme and, for seed strings, the node id prefix.
//
//	tcp://203.0.113.9:7400            -> tcp://[REDACTED]
//	ab12...@quic://198.51.100.4:7401  -> ab12...@quic://[REDACTED]
func MaskAddress(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	prefix := ""
	if id, rest, ok := strings.Cut(value, "@"); ok {
		prefix, value = id+"@", rest
	}
	if scheme, _, ok := strings.Cut(value, "://"); ok && scheme != "" {
		return prefix + scheme + "://" + RedactedValue
	}
	return prefix + RedactedValue
}

// MaskField builds an attribute for key, redacting value unless key is
// allowlisted. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	if strings.Contains(value, "://") {
		return slog.String(key, MaskAddress(value))
	}
	return slog.String(key, RedactedValue)
}
