package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "hollowpeer"
	// DataDirEnv overrides the resolved data directory when set.
	DataDirEnv = "HOLLOWPEER_DATA_DIR"
	// DefaultDiscoveryTopic is the well-known gossip topic peers announce themselves on.
	DefaultDiscoveryTopic = "hollow-world._peer-discovery._p2p._pubsub"
	// DefaultClientVersion is stamped into every direct-message request.
	DefaultClientVersion = "hollowpeer/1.0.0"

	DefaultDiscoveryIntervalSeconds = 10
	DefaultDialTimeoutSeconds       = 10
	DefaultResponseTimeoutSeconds   = 10
	DefaultRetryIntervalSeconds     = 10
	DefaultRetryTimeoutSeconds      = 120
	DefaultEventRetentionDays       = 30

	configFileName = "config.json"
)

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	PlayerName               string   `json:"player_name"`
	ListenAddrs              []string `json:"listen_addrs"`
	RelayAddrs               []string `json:"relay_addrs"`
	BootstrapPeers           []string `json:"bootstrap_peers"`
	DiscoveryTopic           string   `json:"discovery_topic"`
	DiscoveryIntervalSeconds int      `json:"discovery_interval_seconds"`
	EnableMDNS               bool     `json:"enable_mdns"`
	EnableDHT                bool     `json:"enable_dht"`
	ClientVersion            string   `json:"client_version"`
	DialTimeoutSeconds       int      `json:"dial_timeout_seconds"`
	ResponseTimeoutSeconds   int      `json:"response_timeout_seconds"`
	RetryIntervalSeconds     int      `json:"retry_interval_seconds"`
	RetryTimeoutSeconds      int      `json:"retry_timeout_seconds"`
	EnforceQuarantine        bool     `json:"enforce_quarantine"`
	InvitationTTLSeconds     int      `json:"invitation_ttl_seconds"`
	EventRetentionDays       int      `json:"event_retention_days"`
	LogLevel                 string   `json:"log_level"`
}

// DefaultListenAddrs covers direct TCP, QUIC and WebSocket reachability.
func DefaultListenAddrs() []string {
	return []string{
		"/ip4/0.0.0.0/tcp/0",
		"/ip4/0.0.0.0/udp/0/quic-v1",
		"/ip4/0.0.0.0/tcp/0/ws",
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// An explicit override wins, then HOLLOWPEER_DATA_DIR, then the per-user config location.
func ResolveDataDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv(DataDirEnv); env != "" {
		return env, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals config.json and replaces the file atomically.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns both.
func LoadOrCreate(dataDir string) (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir(dataDir)
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// DiscoveryInterval is how often presence is republished on the discovery topic.
func (c *NodeConfig) DiscoveryInterval() time.Duration {
	return seconds(c.DiscoveryIntervalSeconds, DefaultDiscoveryIntervalSeconds)
}

func (c *NodeConfig) DialTimeout() time.Duration {
	return seconds(c.DialTimeoutSeconds, DefaultDialTimeoutSeconds)
}

func (c *NodeConfig) ResponseTimeout() time.Duration {
	return seconds(c.ResponseTimeoutSeconds, DefaultResponseTimeoutSeconds)
}

func (c *NodeConfig) RetryInterval() time.Duration {
	return seconds(c.RetryIntervalSeconds, DefaultRetryIntervalSeconds)
}

func (c *NodeConfig) RetryTimeout() time.Duration {
	return seconds(c.RetryTimeoutSeconds, DefaultRetryTimeoutSeconds)
}

// InvitationTTL returns zero when invitations never expire.
func (c *NodeConfig) InvitationTTL() time.Duration {
	if c.InvitationTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.InvitationTTLSeconds) * time.Second
}

// EventRetention is how long notification events stay in the database.
func (c *NodeConfig) EventRetention() time.Duration {
	days := c.EventRetentionDays
	if days <= 0 {
		days = DefaultEventRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func defaultConfig() *NodeConfig {
	cfg := &NodeConfig{EnableMDNS: true}
	normalizeDefaults(cfg)
	return cfg
}

func defaultPlayerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Hollow Wanderer"
}

func normalizeDefaults(cfg *NodeConfig) bool {
	updated := false

	if strings.TrimSpace(cfg.PlayerName) == "" {
		cfg.PlayerName = defaultPlayerName()
		updated = true
	}
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = DefaultListenAddrs()
		updated = true
	}
	if cfg.RelayAddrs == nil {
		cfg.RelayAddrs = []string{}
		updated = true
	}
	if cfg.BootstrapPeers == nil {
		cfg.BootstrapPeers = []string{}
		updated = true
	}
	if cfg.DiscoveryTopic == "" {
		cfg.DiscoveryTopic = DefaultDiscoveryTopic
		updated = true
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = DefaultClientVersion
		updated = true
	}

	intDefaults := []struct {
		field    *int
		fallback int
	}{
		{&cfg.DiscoveryIntervalSeconds, DefaultDiscoveryIntervalSeconds},
		{&cfg.DialTimeoutSeconds, DefaultDialTimeoutSeconds},
		{&cfg.ResponseTimeoutSeconds, DefaultResponseTimeoutSeconds},
		{&cfg.RetryIntervalSeconds, DefaultRetryIntervalSeconds},
		{&cfg.RetryTimeoutSeconds, DefaultRetryTimeoutSeconds},
		{&cfg.EventRetentionDays, DefaultEventRetentionDays},
	}
	for _, d := range intDefaults {
		if *d.field <= 0 {
			*d.field = d.fallback
			updated = true
		}
	}
	if cfg.InvitationTTLSeconds < 0 {
		cfg.InvitationTTLSeconds = 0
		updated = true
	}

	level := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	switch level {
	case "debug", "info", "warn", "error":
	default:
		level = "info"
	}
	if cfg.LogLevel != level {
		cfg.LogLevel = level
		updated = true
	}

	return updated
}
