// Package config persists local client settings for the conversation engine.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "eat-me"

	// DefaultPollIntervalMS paces the poll reconciler while a conversation
	// is open.
	DefaultPollIntervalMS = 2000
	// DefaultTypingClearAfterMS bounds how long the partner's typing flag
	// survives without a renewing signal.
	DefaultTypingClearAfterMS = 4000
	// DefaultTypingAnnounceTTLMS bounds how long an outbound typing signal
	// lives before automatic removal.
	DefaultTypingAnnounceTTLMS = 3000
	// DefaultSeedLimit caps the initial bulk message fetch.
	DefaultSeedLimit = 50
	// DefaultSeedTimeoutMS bounds the session startup path.
	DefaultSeedTimeoutMS = 5000

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent local-client settings.
type ClientConfig struct {
	ClientID            string `json:"client_id"`
	DisplayName         string `json:"display_name"`
	PollIntervalMS      int    `json:"poll_interval_ms"`
	TypingClearAfterMS  int    `json:"typing_clear_after_ms"`
	TypingAnnounceTTLMS int    `json:"typing_announce_ttl_ms"`
	SeedLimit           int    `json:"seed_limit"`
	SeedTimeoutMS       int    `json:"seed_timeout_ms"`
}

// PollInterval returns the poll cadence as a duration.
func (c *ClientConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// TypingClearAfter returns the remote typing auto-clear timeout.
func (c *ClientConfig) TypingClearAfter() time.Duration {
	return time.Duration(c.TypingClearAfterMS) * time.Millisecond
}

// TypingAnnounceTTL returns the outbound typing signal lifetime.
func (c *ClientConfig) TypingAnnounceTTL() time.Duration {
	return time.Duration(c.TypingAnnounceTTLMS) * time.Millisecond
}

// SeedTimeout returns the bound on the session startup fetch.
func (c *ClientConfig) SeedTimeout() time.Duration {
	return time.Duration(c.SeedTimeoutMS) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If EATME_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("EATME_DATA_DIR"); override != "" {
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

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns
// both the config and its path.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", err
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

func defaultConfig() *ClientConfig {
	return &ClientConfig{
		ClientID:            uuid.NewString(),
		DisplayName:         defaultDisplayName(),
		PollIntervalMS:      DefaultPollIntervalMS,
		TypingClearAfterMS:  DefaultTypingClearAfterMS,
		TypingAnnounceTTLMS: DefaultTypingAnnounceTTLMS,
		SeedLimit:           DefaultSeedLimit,
		SeedTimeoutMS:       DefaultSeedTimeoutMS,
	}
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Eat Me Client"
}

func normalizeDefaults(cfg *ClientConfig) bool {
	updated := false

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		updated = true
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = defaultDisplayName()
		updated = true
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = DefaultPollIntervalMS
		updated = true
	}
	if cfg.TypingClearAfterMS <= 0 {
		cfg.TypingClearAfterMS = DefaultTypingClearAfterMS
		updated = true
	}
	if cfg.TypingAnnounceTTLMS <= 0 {
		cfg.TypingAnnounceTTLMS = DefaultTypingAnnounceTTLMS
		updated = true
	}
	if cfg.SeedLimit <= 0 {
		cfg.SeedLimit = DefaultSeedLimit
		updated = true
	}
	if cfg.SeedTimeoutMS <= 0 {
		cfg.SeedTimeoutMS = DefaultSeedTimeoutMS
		updated = true
	}

	return updated
}
