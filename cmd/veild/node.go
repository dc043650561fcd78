package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"veilnet/config"
	"veilnet/core/types"
	"veilnet/headers"
	"veilnet/observability/logging"
	"veilnet/p2p"
	"veilnet/p2p/seeds"
	"veilnet/routing"
	"veilnet/storage"
	"veilnet/transport"
)

// node owns the engine and the stores it was built on.
type node struct {
	engine    *p2p.Engine
	listeners []transport.Listener
	blocks    *storage.BoltBlockStore
	peerstore *p2p.Peerstore
}

func (n *node) Close() error {
	var err error
	if n.engine != nil {
		err = multierr.Append(err, n.engine.Close())
	} else {
		for _, ln := range n.listeners {
			err = multierr.Append(err, ln.Close())
		}
	}
	if n.peerstore != nil {
		err = multierr.Append(err, n.peerstore.Close())
	}
	if n.blocks != nil {
		err = multierr.Append(err, n.blocks.Close())
	}
	return err
}

func buildNode(cfg *config.Config, identity *p2p.Identity, logger *slog.Logger) (*node, error) {
	n := &node{}
	if err := n.build(cfg, identity, logger); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) build(cfg *config.Config, identity *p2p.Identity, logger *slog.Logger) error {
	var err error
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data dir: %w", err)
	}
	if n.blocks, err = storage.OpenBoltBlockStore(cfg.BlockstorePath(), nil); err != nil {
		return err
	}
	if n.peerstore, err = p2p.NewPeerstore(cfg.PeerstorePath(), 0, 0); err != nil {
		return err
	}
	criteria, err := cfg.Criteria()
	if err != nil {
		return err
	}
	connector, err := connectorFor(cfg.Transport)
	if err != nil {
		return err
	}

	ecfg := p2p.DefaultEngineConfig()
	ecfg.ConnectionCountLimit = cfg.Node.ConnectionCountLimit
	ecfg.ConnectTimeout = time.Duration(cfg.Transport.ConnectTimeoutSeconds) * time.Second
	ecfg.ReadRate = rate.Limit(cfg.Node.ReadRate)
	ecfg.ReadBurst = cfg.Node.ReadBurst
	ecfg.FetchHeaderContent = !cfg.Node.DisableContentFetch

	for _, addr := range cfg.Node.ListenAddresses {
		ln, err := transport.ListenTCP(addr)
		if err != nil {
			return err
		}
		n.listeners = append(n.listeners, ln)
	}
	if cfg.Transport.EnableQUIC {
		for _, addr := range cfg.Transport.QUICListenAddresses {
			ln, err := transport.ListenQUIC(addr)
			if err != nil {
				return err
			}
			n.listeners = append(n.listeners, ln)
		}
	}
	ecfg.Addresses = cfg.Node.AdvertiseAddresses
	if len(ecfg.Addresses) == 0 {
		for _, ln := range n.listeners {
			ecfg.Addresses = append(ecfg.Addresses, ln.Addr())
		}
		logger.Warn("Advertising listen addresses; set Node.AdvertiseAddresses when they are not reachable",
			slog.Any("addresses", ecfg.Addresses))
	}

	store := headers.New()
	table := routing.NewKBucketTable(identity.NodeID)
	n.engine = p2p.NewEngine(ecfg, identity, table, n.blocks, store, connector)
	for _, ln := range n.listeners {
		n.engine.AddListener(ln)
	}
	n.engine.SetPeerstore(n.peerstore)
	n.engine.SetTrustCriteriaProvider(config.NewStaticTrust(criteria))

	source, err := seedSource(cfg.Bootstrap, logger)
	if err != nil {
		return err
	}
	n.engine.SetSeedSource(source, time.Duration(cfg.Bootstrap.RefreshMinutes)*time.Minute)
	return nil
}

// connectorFor maps each enabled scheme to its dialer. A proxy applies to
// tcp only; quic bypasses it.
func connectorFor(cfg config.TransportConfig) (transport.Connector, error) {
	timeout := time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	mux := transport.Mux{}
	if raw := strings.TrimSpace(cfg.Proxy); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		tcp, err := transport.NewSOCKS5Connector(u.Host, auth, timeout)
		if err != nil {
			return nil, err
		}
		mux["tcp"] = tcp
	} else {
		mux["tcp"] = transport.NewTCPConnector(timeout)
	}
	if cfg.EnableQUIC {
		mux["quic"] = &transport.QUICConnector{Timeout: timeout}
	}
	return mux, nil
}

func seedSource(cfg config.BootstrapConfig, logger *slog.Logger) (p2p.SeedFunc, error) {
	static := make([]types.Node, 0, len(cfg.Seeds))
	for _, raw := range cfg.Seeds {
		n, err := seeds.ParseStatic(raw)
		if err != nil {
			logger.Warn("Ignoring seed", logging.MaskField("seed", raw), slog.Any("error", err))
			continue
		}
		static = append(static, n)
	}
	var reg *seeds.Registry
	if path := strings.TrimSpace(cfg.SeedRegistryFile); path != "" {
		var err error
		if reg, err = seeds.Load(path); err != nil {
			return nil, fmt.Errorf("load seed registry: %w", err)
		}
	}
	var resolver seeds.Resolver = net.DefaultResolver
	if server := strings.TrimSpace(cfg.DNSServer); server != "" {
		r, err := seeds.NewDNSResolver(server, 0)
		if err != nil {
			return nil, err
		}
		resolver = r
	}
	source := seeds.Source(reg, static, resolver, time.Now)
	return func(ctx context.Context) ([]types.Node, error) {
		nodes, err := source(ctx)
		if err != nil {
			logger.Warn("Seed resolution incomplete", slog.Any("error", err), slog.Int("nodes", len(nodes)))
		}
		return nodes, err
	}, nil
}
