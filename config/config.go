// Package config loads the explicit configuration handed to every filerelay
// component.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "filerelay"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "FILERELAY"
	// DefaultListenAddress is the TCP address served when none is configured.
	DefaultListenAddress = ":6666"
	// DefaultBlockSize is the DATA block size in bytes.
	DefaultBlockSize = 64 * 1024
	// DefaultMaxFrameSize bounds one wire frame.
	DefaultMaxFrameSize = 4 * 1024 * 1024
	// DefaultConnectTimeout bounds TCP dial.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultStartupTimeout bounds the STARTUP/AUTHENT exchange.
	DefaultStartupTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds the wait for a partner to accept a request.
	DefaultRequestTimeout = 5 * time.Minute
	// DefaultReceiveWindow is the number of DATA blocks a receiver lets in flight.
	DefaultReceiveWindow = 32
	// DefaultCloseGraceDelay keeps an idle connection open for in-flight control packets.
	DefaultCloseGraceDelay = 10 * time.Second
	// DefaultKeepAliveInterval sends a ping on quiet connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for any traffic after a ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultMaxRetry caps resume attempts per transfer.
	DefaultMaxRetry = 5
	// DefaultWritePoolSize bounds concurrent block writes.
	DefaultWritePoolSize = 8
	// DefaultDiscoveryService is the mDNS service type.
	DefaultDiscoveryService = "_filerelay._tcp"

	hostIDFileName = "host_id"
)

// ErrUnknownRule indicates a rule id that is not configured.
var ErrUnknownRule = errors.New("config: unknown rule")

// HostConfig declares a partner host.
type HostConfig struct {
	ID            string `mapstructure:"id"`
	Address       string `mapstructure:"address"`
	PasswordHash  string `mapstructure:"password_hash"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// DiscoveryConfig controls mDNS advertisement and lookup.
type DiscoveryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Service string        `mapstructure:"service"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig controls the logrus level.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the explicit configuration of one filerelay host.
type Config struct {
	HostID            string          `mapstructure:"host_id"`
	ListenAddress     string          `mapstructure:"listen_address"`
	DataDir           string          `mapstructure:"data_dir"`
	BlockSize         int             `mapstructure:"block_size"`
	MaxFrameSize      int             `mapstructure:"max_frame_size"`
	ConnectTimeout    time.Duration   `mapstructure:"connect_timeout"`
	StartupTimeout    time.Duration   `mapstructure:"startup_timeout"`
	RequestTimeout    time.Duration   `mapstructure:"request_timeout"`
	ReceiveWindow     int             `mapstructure:"receive_window"`
	CloseGraceDelay   time.Duration   `mapstructure:"close_grace_delay"`
	KeepAliveInterval time.Duration   `mapstructure:"keepalive_interval"`
	KeepAliveTimeout  time.Duration   `mapstructure:"keepalive_timeout"`
	MaxRetry          int             `mapstructure:"max_retry"`
	WritePoolSize     int             `mapstructure:"write_pool_size"`
	Password          string          `mapstructure:"password"`
	KeyPath           string          `mapstructure:"key_path"`
	Hosts             []HostConfig    `mapstructure:"hosts"`
	Rules             []RuleConfig    `mapstructure:"rules"`
	Metrics           MetricsConfig   `mapstructure:"metrics"`
	Discovery         DiscoveryConfig `mapstructure:"discovery"`
	Logging           LoggingConfig   `mapstructure:"logging"`
}

// ResolveDataDir returns the OS-aware data directory.
//
// If FILERELAY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvPrefix + "_DATA_DIR"); override != "" {
		return override, nil
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
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// EnsureDataDirectories creates the data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "out"),
		filepath.Join(dataDir, "in"),
		filepath.Join(dataDir, "work"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads the configuration file at path (optional when empty), applies
// FILERELAY_* environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"host_id", "listen_address", "data_dir", "block_size", "max_frame_size",
		"connect_timeout", "startup_timeout", "request_timeout", "receive_window", "close_grace_delay", "keepalive_interval",
		"keepalive_timeout", "max_retry", "write_pool_size", "password", "key_path",
		"metrics.address", "discovery.enabled", "discovery.service", "discovery.timeout",
		"logging.level",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	out, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c Config) withDefaults() (Config, error) {
	out := c
	if out.DataDir == "" {
		dir, err := ResolveDataDir()
		if err != nil {
			return Config{}, err
		}
		out.DataDir = dir
	}
	if out.ListenAddress == "" {
		out.ListenAddress = DefaultListenAddress
	}
	if out.BlockSize <= 0 {
		out.BlockSize = DefaultBlockSize
	}
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = DefaultMaxFrameSize
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.StartupTimeout <= 0 {
		out.StartupTimeout = DefaultStartupTimeout
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.ReceiveWindow == 0 {
		out.ReceiveWindow = DefaultReceiveWindow
	}
	if out.CloseGraceDelay <= 0 {
		out.CloseGraceDelay = DefaultCloseGraceDelay
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.MaxRetry <= 0 {
		out.MaxRetry = DefaultMaxRetry
	}
	if out.WritePoolSize <= 0 {
		out.WritePoolSize = DefaultWritePoolSize
	}
	if out.KeyPath == "" {
		out.KeyPath = filepath.Join(out.DataDir, "keys", "host.pem")
	}
	if out.Discovery.Service == "" {
		out.Discovery.Service = DefaultDiscoveryService
	}
	if out.Discovery.Timeout <= 0 {
		out.Discovery.Timeout = 3 * time.Second
	}
	if out.Logging.Level == "" {
		out.Logging.Level = "info"
	}
	for i := range out.Rules {
		out.Rules[i] = out.Rules[i].withDefaults(out.DataDir)
	}
	if len(out.Rules) == 0 {
		out.Rules = []RuleConfig{RuleConfig{ID: "default"}.withDefaults(out.DataDir)}
	}
	return out, nil
}

// Validate checks values that defaults cannot repair.
func (c Config) Validate() error {
	if c.BlockSize+64 > c.MaxFrameSize {
		return fmt.Errorf("config: block_size %d does not fit max_frame_size %d", c.BlockSize, c.MaxFrameSize)
	}
	seen := make(map[string]bool)
	for _, rule := range c.Rules {
		if rule.ID == "" {
			return errors.New("config: rule id is required")
		}
		if seen[rule.ID] {
			return fmt.Errorf("config: duplicate rule %q", rule.ID)
		}
		seen[rule.ID] = true
	}
	for _, host := range c.Hosts {
		if host.ID == "" {
			return errors.New("config: host id is required")
		}
	}
	return nil
}

// EnsureHostID returns the configured host id, or a uuid persisted under the
// data directory on first run.
func (c *Config) EnsureHostID() (string, error) {
	if c.HostID != "" {
		return c.HostID, nil
	}
	path := filepath.Join(c.DataDir, hostIDFileName)
	raw, err := os.ReadFile(path)
	if err == nil && strings.TrimSpace(string(raw)) != "" {
		c.HostID = strings.TrimSpace(string(raw))
		return c.HostID, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read host id: %w", err)
	}

	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write host id: %w", err)
	}
	c.HostID = id
	return id, nil
}

// Host returns the declared partner host with id.
func (c *Config) Host(id string) (HostConfig, bool) {
	for _, host := range c.Hosts {
		if host.ID == id {
			return host, true
		}
	}
	return HostConfig{}, false
}
