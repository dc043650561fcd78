package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"veilnet/core/types"
	"veilnet/p2p/seeds"
	"veilnet/transport"
)

const maxConnectionLimit = 1024

// Validate checks ranges and address forms. Every problem is reported.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.ConnectionCountLimit < 3 || c.Node.ConnectionCountLimit > maxConnectionLimit {
		errs = append(errs, fmt.Errorf("node: ConnectionCountLimit %d outside [3, %d]", c.Node.ConnectionCountLimit, maxConnectionLimit))
	}
	if c.Node.ReadRate < 0 {
		errs = append(errs, fmt.Errorf("node: ReadRate must not be negative"))
	}
	if c.Node.ReadBurst < 0 {
		errs = append(errs, fmt.Errorf("node: ReadBurst must not be negative"))
	}
	for _, addr := range c.Node.ListenAddresses {
		if scheme, _, err := transport.SplitAddress(addr); err != nil || scheme != "tcp" {
			errs = append(errs, fmt.Errorf("node: listen address %q must be tcp://host:port", addr))
		}
	}
	for _, addr := range c.Node.AdvertiseAddresses {
		if _, _, err := transport.SplitAddress(addr); err != nil {
			errs = append(errs, fmt.Errorf("node: advertise address %q: %w", addr, err))
		}
	}
	if c.Transport.Proxy != "" {
		if u, err := url.Parse(c.Transport.Proxy); err != nil || u.Scheme != "socks5" || u.Host == "" {
			errs = append(errs, fmt.Errorf("transport: Proxy %q must be socks5://host:port", c.Transport.Proxy))
		}
	}
	for _, addr := range c.Transport.QUICListenAddresses {
		if scheme, _, err := transport.SplitAddress(addr); err != nil || scheme != "quic" {
			errs = append(errs, fmt.Errorf("transport: QUIC listen address %q must be quic://host:port", addr))
		}
	}
	if len(c.Transport.QUICListenAddresses) > 0 && !c.Transport.EnableQUIC {
		errs = append(errs, errors.New("transport: QUICListenAddresses set while EnableQUIC is false"))
	}
	if c.Transport.ConnectTimeoutSeconds < 0 {
		errs = append(errs, errors.New("transport: ConnectTimeoutSeconds must not be negative"))
	}
	for _, s := range c.Bootstrap.Seeds {
		if _, err := seeds.ParseStatic(s); err != nil {
			errs = append(errs, fmt.Errorf("bootstrap: %w", err))
		}
	}
	if c.Bootstrap.RefreshMinutes < 0 {
		errs = append(errs, errors.New("bootstrap: RefreshMinutes must not be negative"))
	}
	if _, err := c.Criteria(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps debug|info|warn|error onto slog levels.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log: level %q: %w", level, err)
	}
	return l, nil
}

// Criteria converts the [[Trust]] tables.
func (c *Config) Criteria() ([]types.TrustCriterion, error) {
	out := make([]types.TrustCriterion, 0, len(c.Trust))
	for i, tc := range c.Trust {
		if len(tc.Signers) == 0 {
			return nil, fmt.Errorf("trust[%d]: no signers", i)
		}
		crit := types.TrustCriterion{Signers: append([]string(nil), tc.Signers...)}
		for j, lc := range tc.Links {
			link, err := lc.Link()
			if err != nil {
				return nil, fmt.Errorf("trust[%d].links[%d]: %w", i, j, err)
			}
			crit.Links = append(crit.Links, link)
		}
		out = append(out, crit)
	}
	return out, nil
}
