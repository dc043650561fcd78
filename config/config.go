package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultDataDir           = "./veil-data"
	defaultListenAddress     = "tcp://0.0.0.0:7400"
	defaultConnectionLimit   = 12
	defaultReadRate          = 1.0
	defaultReadBurst         = 16
	defaultConnectTimeout    = 20
	defaultRefreshMinutes    = 30
	defaultMetricsAddress    = "127.0.0.1:9464"
	defaultLogLevel          = "info"
	defaultLogMaxSizeMB      = 100
	defaultLogMaxBackups     = 5
	defaultLogMaxAgeDays     = 14
	identityFileName         = "identity.keystore"
	peerstoreDirName         = "peers"
	blockstoreFileName       = "blocks.db"
	identityPassphraseEnvVar = "VEIL_IDENTITY_PASSPHRASE"
)

type Config struct {
	Node      NodeConfig      `toml:"Node"`
	Transport TransportConfig `toml:"Transport"`
	Bootstrap BootstrapConfig `toml:"Bootstrap"`
	Trust     []TrustConfig   `toml:"Trust"`
	Log       LogConfig       `toml:"Log"`
	Metrics   MetricsConfig   `toml:"Metrics"`
}

type NodeConfig struct {
	DataDir string `toml:"DataDir"`
	// IdentityPath is the Ethereum v3 keystore holding the node key.
	IdentityPath string `toml:"IdentityPath"`
	// IdentityPassphraseEnv names the environment variable with the keystore passphrase.
	IdentityPassphraseEnv string   `toml:"IdentityPassphraseEnv"`
	ListenAddresses       []string `toml:"ListenAddresses"`
	// AdvertiseAddresses are announced to peers; listen addresses are used when empty.
	AdvertiseAddresses   []string `toml:"AdvertiseAddresses"`
	ConnectionCountLimit int      `toml:"ConnectionCountLimit"`
	// ReadRate paces inbound frames per peer, in frames per second.
	ReadRate            float64 `toml:"ReadRate"`
	ReadBurst           int     `toml:"ReadBurst"`
	DisableContentFetch bool    `toml:"DisableContentFetch"`
}

type TransportConfig struct {
	// Proxy is a socks5://[user:pass@]host:port URI applied to outbound TCP.
	Proxy                 string   `toml:"Proxy"`
	EnableQUIC            bool     `toml:"EnableQUIC"`
	QUICListenAddresses   []string `toml:"QUICListenAddresses"`
	ConnectTimeoutSeconds int      `toml:"ConnectTimeoutSeconds"`
}

type BootstrapConfig struct {
	// Seeds use the hexid@scheme://host:port form.
	Seeds            []string `toml:"Seeds"`
	SeedRegistryFile string   `toml:"SeedRegistryFile"`
	// DNSServer, when set, receives registry TXT queries instead of the system resolver.
	DNSServer      string `toml:"DNSServer"`
	RefreshMinutes int    `toml:"RefreshMinutes"`
}

// TrustConfig names signers trusted within a set of links.
type TrustConfig struct {
	Signers []string     `toml:"Signers"`
	Links   []LinkConfig `toml:"Links"`
}

// LinkConfig describes one link. TagID is hex; Mail links derive it from Name.
type LinkConfig struct {
	Type  string `toml:"Type"`
	Name  string `toml:"Name"`
	TagID string `toml:"TagID"`
}

type LogConfig struct {
	Level      string `toml:"Level"`
	Env        string `toml:"Env"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

type MetricsConfig struct {
	Address      string `toml:"Address"`
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	OTLPInsecure bool   `toml:"OTLPInsecure"`
	OTLPHeaders  string `toml:"OTLPHeaders"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh node.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Node.DataDir) == "" {
		c.Node.DataDir = defaultDataDir
	}
	if strings.TrimSpace(c.Node.IdentityPath) == "" {
		c.Node.IdentityPath = filepath.Join(c.Node.DataDir, identityFileName)
	}
	if c.Node.IdentityPassphraseEnv == "" {
		c.Node.IdentityPassphraseEnv = identityPassphraseEnvVar
	}
	if c.Node.ListenAddresses == nil {
		c.Node.ListenAddresses = []string{defaultListenAddress}
	}
	if c.Node.AdvertiseAddresses == nil {
		c.Node.AdvertiseAddresses = []string{}
	}
	if c.Node.ConnectionCountLimit == 0 {
		c.Node.ConnectionCountLimit = defaultConnectionLimit
	}
	if c.Node.ReadRate == 0 {
		c.Node.ReadRate = defaultReadRate
	}
	if c.Node.ReadBurst == 0 {
		c.Node.ReadBurst = defaultReadBurst
	}
	if c.Transport.QUICListenAddresses == nil {
		c.Transport.QUICListenAddresses = []string{}
	}
	if c.Transport.ConnectTimeoutSeconds == 0 {
		c.Transport.ConnectTimeoutSeconds = defaultConnectTimeout
	}
	if c.Bootstrap.Seeds == nil {
		c.Bootstrap.Seeds = []string{}
	}
	if c.Bootstrap.RefreshMinutes == 0 {
		c.Bootstrap.RefreshMinutes = defaultRefreshMinutes
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = defaultLogMaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = defaultLogMaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = defaultLogMaxAgeDays
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = defaultMetricsAddress
	}
}

// PeerstorePath is the leveldb directory holding known nodes.
func (c *Config) PeerstorePath() string {
	return filepath.Join(c.Node.DataDir, peerstoreDirName)
}

// BlockstorePath is the bbolt file holding blocks.
func (c *Config) BlockstorePath() string {
	return filepath.Join(c.Node.DataDir, blockstoreFileName)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		cfg.Node.DataDir = filepath.Join(dir, "data")
		cfg.Node.IdentityPath = filepath.Join(cfg.Node.DataDir, identityFileName)
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
