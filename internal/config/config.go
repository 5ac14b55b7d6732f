// Package config loads the daemon's YAML configuration and carries the
// defaults for every protocol and registry limit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultContextWindow is the fallback context window size (in tokens)
// used when no model-specific entry or "default" key is found.
const DefaultContextWindow = 200000

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" as well as bare nanosecond integers.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("parsing duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Socket   SocketConfig   `yaml:"socket"`
	Registry RegistryConfig `yaml:"registry"`
	Clients  ClientsConfig  `yaml:"clients"`
	Log      LogConfig      `yaml:"log"`
	Models   map[string]int `yaml:"models"`
	Web      WebConfig      `yaml:"web"`
}

// SocketConfig locates the daemon's unix socket and pidfile.
type SocketConfig struct {
	Path    string `yaml:"path"`
	PidFile string `yaml:"pid_file"`
}

// RegistryConfig bounds the session registry and its sweeper.
type RegistryConfig struct {
	MaxSessions     int      `yaml:"max_sessions"`
	StaleThreshold  Duration `yaml:"stale_threshold"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	MaxSessionAge   Duration `yaml:"max_session_age"`
}

// ClientsConfig bounds connections and the broadcast path.
type ClientsConfig struct {
	MaxClients       int     `yaml:"max_clients"`
	ClientBufferSize int     `yaml:"client_buffer_size"`
	MaxBroadcastRate float64 `yaml:"max_broadcast_rate"`
}

// LogConfig controls the rotating daemon log.
type LogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// WebConfig controls the optional WebSocket bridge.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault loads config from the given path, or returns default
// config if the path doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		Socket: SocketConfig{
			Path:    DefaultSocketPath(),
			PidFile: DefaultPidFilePath(),
		},
		Registry: RegistryConfig{
			MaxSessions:     100,
			StaleThreshold:  Duration(90 * time.Second),
			CleanupInterval: Duration(30 * time.Second),
			MaxSessionAge:   Duration(24 * time.Hour),
		},
		Clients: ClientsConfig{
			MaxClients:       10,
			ClientBufferSize: 100,
			MaxBroadcastRate: 10,
		},
		Log: LogConfig{
			Path:       DefaultLogPath(),
			MaxSizeMB:  10,
			MaxAgeDays: 7,
			MaxBackups: 7,
			Compress:   true,
		},
		Models: map[string]int{
			"default": DefaultContextWindow,
		},
		Web: WebConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8790",
		},
	}
}

// BroadcastInterval converts the configured rate into the pump's tick
// period.
func (c *Config) BroadcastInterval() time.Duration {
	rate := c.Clients.MaxBroadcastRate
	if rate <= 0 {
		rate = 10
	}
	return time.Duration(float64(time.Second) / rate)
}

// MaxContextTokens resolves the context window size for a model.
// Resolution order: exact match → longest prefix match → "default" key →
// DefaultContextWindow. Keys ending with "*" are prefix patterns
// (e.g. "claude-opus-*" matches "claude-opus-4.5").
func (c *Config) MaxContextTokens(model string) int {
	if n, ok := c.Models[model]; ok {
		return n
	}

	bestLen := 0
	bestVal := 0
	for key, val := range c.Models {
		if !strings.HasSuffix(key, "*") {
			continue
		}
		prefix := strings.TrimSuffix(key, "*")
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestVal = val
		}
	}
	if bestLen > 0 {
		return bestVal
	}

	if n, ok := c.Models["default"]; ok {
		return n
	}
	return DefaultContextWindow
}

// runtimeDir returns the per-user runtime directory for the socket and
// pidfile, falling back to /tmp when XDG_RUNTIME_DIR is unset.
func runtimeDir() string {
	if value := os.Getenv("XDG_RUNTIME_DIR"); value != "" {
		return value
	}
	return "/tmp"
}

func defaultStateDir() string {
	if value := os.Getenv("XDG_STATE_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "state")
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// DefaultSocketPath returns $XDG_RUNTIME_DIR/atm.sock, or /tmp/atm.sock.
func DefaultSocketPath() string {
	return filepath.Join(runtimeDir(), "atm.sock")
}

// DefaultPidFilePath returns the pidfile next to the socket.
func DefaultPidFilePath() string {
	return filepath.Join(runtimeDir(), "atm.pid")
}

// DefaultLogPath returns $XDG_STATE_HOME/atm/atm.log.
func DefaultLogPath() string {
	return filepath.Join(defaultStateDir(), "atm", "atm.log")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "atm", "config.yaml")
}

// Diff compares two configs and returns human-readable descriptions of
// what changed in the model table, the registry limits and timings, and
// the log settings. Socket, client and web settings are not compared.
func Diff(old, new *Config) []string {
	var changes []string

	for k, v := range new.Models {
		if ov, ok := old.Models[k]; !ok {
			changes = append(changes, fmt.Sprintf("models: added %s=%d", k, v))
		} else if ov != v {
			changes = append(changes, fmt.Sprintf("models: %s changed %d → %d", k, ov, v))
		}
	}
	for k := range old.Models {
		if _, ok := new.Models[k]; !ok {
			changes = append(changes, fmt.Sprintf("models: removed %s", k))
		}
	}

	if old.Registry.StaleThreshold != new.Registry.StaleThreshold {
		changes = append(changes, fmt.Sprintf("registry.stale_threshold: %s → %s", old.Registry.StaleThreshold, new.Registry.StaleThreshold))
	}
	if old.Registry.CleanupInterval != new.Registry.CleanupInterval {
		changes = append(changes, fmt.Sprintf("registry.cleanup_interval: %s → %s", old.Registry.CleanupInterval, new.Registry.CleanupInterval))
	}
	if old.Registry.MaxSessionAge != new.Registry.MaxSessionAge {
		changes = append(changes, fmt.Sprintf("registry.max_session_age: %s → %s", old.Registry.MaxSessionAge, new.Registry.MaxSessionAge))
	}
	if old.Registry.MaxSessions != new.Registry.MaxSessions {
		changes = append(changes, fmt.Sprintf("registry.max_sessions: %d → %d", old.Registry.MaxSessions, new.Registry.MaxSessions))
	}

	if old.Log != new.Log {
		changes = append(changes, "log: configuration changed")
	}

	return changes
}
