package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

type SystemConfig struct {
	DataDirectory string `toml:"data_directory"`
}

type CopilotConfig struct {
	BinaryPath         string `toml:"binary_path,omitempty"`
	Model              string `toml:"model,omitempty"`
	StaleThresholdMins int    `toml:"stale_threshold_minutes,omitempty"`
	RequestTimeoutSecs int    `toml:"request_timeout_seconds,omitempty"`
}

type ProviderConfig struct {
	ID         string `toml:"id"`
	Name       string `toml:"name"`
	Enabled    bool   `toml:"enabled"`
	BaseURL    string `toml:"base_url,omitempty"`
	Model      string `toml:"model,omitempty"`
	Endpoint   string `toml:"endpoint,omitempty"`   // Azure only
	Deployment string `toml:"deployment,omitempty"` // Azure only
	APIVersion string `toml:"api_version,omitempty"`
}

type UserConfig struct {
	DefaultProvider     string           `toml:"default_provider"`
	Copilot             CopilotConfig    `toml:"copilot"`
	Providers           []ProviderConfig `toml:"providers,omitempty"`
	DefaultSystemPrompt string           `toml:"default_system_prompt,omitempty"`
	MaxToolRounds       int              `toml:"max_tool_rounds,omitempty"`
	SearchIndexEnabled  bool             `toml:"search_index_enabled"`
}

type Config struct {
	DataDirectory       string
	DefaultProvider     string
	Copilot             CopilotConfig
	Providers           []ProviderConfig
	DefaultSystemPrompt string
	MaxToolRounds       int
	SearchIndexEnabled  bool
	CredentialStore     *CredentialStore
}

var Debug = false

// DebugLog is always safe to call; it writes nowhere until InitDebugLog
// enables file logging.
var DebugLog = log.New(io.Discard, "", 0)

func (c *Config) DataDir() string {
	return ExpandPath(c.DataDirectory)
}

// Provider returns the configured entry for a provider id, or nil.
func (c *Config) Provider(id string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i]
		}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if provider := os.Getenv("VAULTPILOT_PROVIDER"); provider != "" {
		c.DefaultProvider = provider
	}
	if dataDir := os.Getenv("VAULTPILOT_DATA_DIR"); dataDir != "" {
		c.DataDirectory = dataDir
	}
	if bin := os.Getenv("VAULTPILOT_COPILOT_BIN"); bin != "" {
		c.Copilot.BinaryPath = bin
	}
	if model := os.Getenv("VAULTPILOT_MODEL"); model != "" {
		c.Copilot.Model = model
		for i := range c.Providers {
			c.Providers[i].Model = model
		}
	}
}

func CheckDebug() bool {
	debug := os.Getenv("VAULTPILOT_DEBUG")
	return debug == "true" || debug == "1"
}

func InitDebugLog(dataDir string) {
	if !CheckDebug() {
		return
	}

	Debug = true
	logPath := filepath.Join(dataDir, "debug.log")

	// 0600: debug output can contain prompts and session content
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not open debug log at %s: %v\n", logPath, err)
		return
	}

	DebugLog = log.New(f, "", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile)
	DebugLog.Printf("=== Debug logging started (VAULTPILOT_DEBUG=%s) ===", os.Getenv("VAULTPILOT_DEBUG"))
	DebugLog.Printf("Log path: %s", logPath)
}

func Load() (*Config, error) {
	cfg := &Config{
		DataDirectory:   "~/.local/share/vaultpilot",
		DefaultProvider: "copilot",
		MaxToolRounds:   5,
	}

	settingsPath := GetSettingsFilePath()
	if FileExists(settingsPath) {
		systemCfg, err := LoadSystemConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load system config: %w", err)
		}
		cfg.DataDirectory = systemCfg.DataDirectory

		userCfg, err := LoadUserConfig(cfg.DataDir())
		if err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
		cfg.applyUserConfig(userCfg)
	}
	cfg.applyEnvOverrides()

	dataDir := cfg.DataDir()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := EnsureDataDirPermissions(dataDir); err != nil {
		return nil, fmt.Errorf("failed to set data directory permissions: %w", err)
	}

	cfg.CredentialStore = NewCredentialStore(SecurityPlainText, "")
	if method := os.Getenv("VAULTPILOT_CREDENTIAL_METHOD"); method == string(SecuritySSHKey) {
		cfg.CredentialStore = NewCredentialStore(SecuritySSHKey, os.Getenv("VAULTPILOT_SSH_KEY"))
	}
	if err := cfg.CredentialStore.Load(dataDir); err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyUserConfig(userCfg *UserConfig) {
	if userCfg.DefaultProvider != "" {
		c.DefaultProvider = userCfg.DefaultProvider
	}
	c.Copilot = userCfg.Copilot
	c.Providers = userCfg.Providers
	c.DefaultSystemPrompt = userCfg.DefaultSystemPrompt
	if userCfg.MaxToolRounds > 0 {
		c.MaxToolRounds = userCfg.MaxToolRounds
	}
	c.SearchIndexEnabled = userCfg.SearchIndexEnabled
}
