package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Account types.
const (
	AccountTypeHTTP = "http"
	AccountTypeIMAP = "imap"
)

// IMAPConfig holds connection settings for accounts backed by IMAP.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
	Username string `mapstructure:"username" yaml:"username"`
}

// AccountConfig holds the configuration for a single mail account.
type AccountConfig struct {
	// ID is the unique identifier for this account.
	ID string `mapstructure:"id" yaml:"id"`

	// Type selects the remote backend ("http" or "imap").
	Type string `mapstructure:"type" yaml:"type"`

	// Name is the user-defined label for this account.
	Name string `mapstructure:"name" yaml:"name"`

	// Email is the account's own address.
	Email string `mapstructure:"email" yaml:"email"`

	// Enabled controls whether this account is actively synced.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PollIntervalSec overrides the global poll interval when non-zero.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	IMAP IMAPConfig `mapstructure:"imap" yaml:"imap"`
}

// StoreConfig locates the on-disk state.
type StoreConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	VaultDir string `mapstructure:"vault_dir" yaml:"vault_dir"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SyncConfig tunes the account sync engine.
type SyncConfig struct {
	InitialPageSize      int    `mapstructure:"initial_page_size" yaml:"initial_page_size"`
	PollPageSize         int    `mapstructure:"poll_page_size" yaml:"poll_page_size"`
	PollIntervalSec      int    `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	MaxConsecutiveErrors int    `mapstructure:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	MaxBackoffSec        int    `mapstructure:"max_backoff_sec" yaml:"max_backoff_sec"`
	DefaultFolder        string `mapstructure:"default_folder" yaml:"default_folder"`
	DrainBatch           int    `mapstructure:"drain_batch" yaml:"drain_batch"`
}

// NetworkConfig tunes the availability monitor.
type NetworkConfig struct {
	ProbeIntervalSec int `mapstructure:"probe_interval_sec" yaml:"probe_interval_sec"`
	ProbeTimeoutSec  int `mapstructure:"probe_timeout_sec" yaml:"probe_timeout_sec"`
}

// RemoteConfig locates the mail/encryption backend.
type RemoteConfig struct {
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	TimeoutSec int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	MaxRetries int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// TierConfig describes one encryption tier.
type TierConfig struct {
	Level       int    `mapstructure:"level" yaml:"level"`
	Name        string `mapstructure:"name" yaml:"name"`
	RequiresKey bool   `mapstructure:"requires_key" yaml:"requires_key"`
}

// DispatchConfig tunes the send pipeline.
type DispatchConfig struct {
	MinTier        int          `mapstructure:"min_tier" yaml:"min_tier"`
	ReplenishCount int          `mapstructure:"replenish_count" yaml:"replenish_count"`
	Tiers          []TierConfig `mapstructure:"tiers" yaml:"tiers"`
}

// QKDConfig names the key-management peers used for key-pool calls.
type QKDConfig struct {
	MasterSAEID string `mapstructure:"master_sae_id" yaml:"master_sae_id"`
	SlaveSAEID  string `mapstructure:"slave_sae_id" yaml:"slave_sae_id"`
}

// Session scopes for the decrypt access gate.
const (
	SessionScopeGlobal  = "global"
	SessionScopeMessage = "message"
)

// GateConfig tunes the decrypt access gate.
type GateConfig struct {
	SessionWindowSec int    `mapstructure:"session_window_sec" yaml:"session_window_sec"`
	SessionScope     string `mapstructure:"session_scope" yaml:"session_scope"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Store    StoreConfig     `mapstructure:"store" yaml:"store"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Network  NetworkConfig   `mapstructure:"network" yaml:"network"`
	Remote   RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Dispatch DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	QKD      QKDConfig       `mapstructure:"qkd" yaml:"qkd"`
	Gate     GateConfig      `mapstructure:"gate" yaml:"gate"`
}

// PollInterval returns the effective poll interval for an account.
func (c *AppConfig) PollInterval(acct AccountConfig) time.Duration {
	if acct.PollIntervalSec > 0 {
		return time.Duration(acct.PollIntervalSec) * time.Second
	}
	return time.Duration(c.Sync.PollIntervalSec) * time.Second
}

// DefaultConfigDir returns ~/.config/qmail.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "qmail")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/qmail/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultTiers is the tier table used when none is configured.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Level: 0, Name: "none"},
		{Level: 1, Name: "quantum_aes", RequiresKey: true},
		{Level: 2, Name: "quantum_otp", RequiresKey: true},
	}
}

// DefaultAppConfig returns a sensible default configuration.
func DefaultAppConfig() *AppConfig {
	dir := DefaultConfigDir()
	return &AppConfig{
		Accounts: []AccountConfig{},
		Store: StoreConfig{
			Path:     filepath.Join(dir, "mailbox.db"),
			VaultDir: filepath.Join(dir, "vault"),
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Sync: SyncConfig{
			InitialPageSize:      30,
			PollPageSize:         10,
			PollIntervalSec:      30,
			MaxConsecutiveErrors: 5,
			MaxBackoffSec:        300,
			DefaultFolder:        FolderInbox,
			DrainBatch:           50,
		},
		Network: NetworkConfig{ProbeIntervalSec: 15, ProbeTimeoutSec: 5},
		Remote:  RemoteConfig{TimeoutSec: 30, MaxRetries: 3},
		Dispatch: DispatchConfig{
			MinTier:        0,
			ReplenishCount: 4,
			Tiers:          DefaultTiers(),
		},
		Gate: GateConfig{SessionWindowSec: 300, SessionScope: SessionScopeGlobal},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with QMAIL_ override file values. If the
// file does not exist, the defaults (plus environment) are returned.
func LoadConfig(path string) (*AppConfig, error) {
	def := DefaultAppConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("QMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("store.vault_dir", def.Store.VaultDir)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("sync.initial_page_size", def.Sync.InitialPageSize)
	v.SetDefault("sync.poll_page_size", def.Sync.PollPageSize)
	v.SetDefault("sync.poll_interval_sec", def.Sync.PollIntervalSec)
	v.SetDefault("sync.max_consecutive_errors", def.Sync.MaxConsecutiveErrors)
	v.SetDefault("sync.max_backoff_sec", def.Sync.MaxBackoffSec)
	v.SetDefault("sync.default_folder", def.Sync.DefaultFolder)
	v.SetDefault("sync.drain_batch", def.Sync.DrainBatch)
	v.SetDefault("network.probe_interval_sec", def.Network.ProbeIntervalSec)
	v.SetDefault("network.probe_timeout_sec", def.Network.ProbeTimeoutSec)
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.timeout_sec", def.Remote.TimeoutSec)
	v.SetDefault("remote.max_retries", def.Remote.MaxRetries)
	v.SetDefault("dispatch.min_tier", def.Dispatch.MinTier)
	v.SetDefault("dispatch.replenish_count", def.Dispatch.ReplenishCount)
	v.SetDefault("qkd.master_sae_id", "")
	v.SetDefault("qkd.slave_sae_id", "")
	v.SetDefault("gate.session_window_sec", def.Gate.SessionWindowSec)
	v.SetDefault("gate.session_scope", def.Gate.SessionScope)

	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if len(cfg.Dispatch.Tiers) == 0 {
		cfg.Dispatch.Tiers = DefaultTiers()
	}
	if cfg.Gate.SessionScope != SessionScopeMessage {
		cfg.Gate.SessionScope = SessionScopeGlobal
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		if cfg.Accounts[i].Type == "" {
			cfg.Accounts[i].Type = AccountTypeHTTP
		}
		if !cfg.Accounts[i].Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.enabled", i)
			if !v.IsSet(key) {
				cfg.Accounts[i].Enabled = true
			}
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("accounts", cfg.Accounts)
	v.Set("store", cfg.Store)
	v.Set("log", cfg.Log)
	v.Set("sync", cfg.Sync)
	v.Set("network", cfg.Network)
	v.Set("remote", cfg.Remote)
	v.Set("dispatch", cfg.Dispatch)
	v.Set("qkd", cfg.QKD)
	v.Set("gate", cfg.Gate)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
