package config

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestExpandPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	t.Setenv("MY_VAULT", "/srv/vault")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"tilde", "~/notes", "/home/tester/notes"},
		{"env var", "$MY_VAULT/data", "/srv/vault/data"},
		{"plain", "/etc/vaultpilot", "/etc/vaultpilot"},
		{"cleaned", "/a/b/../c", "/a/c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandPath(tt.in); got != tt.want {
				t.Errorf("ExpandPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestProviderLookup(t *testing.T) {
	cfg := &Config{
		Providers: []ProviderConfig{
			{ID: "openai", Model: "gpt-4o-mini"},
			{ID: "anthropic", Model: "claude-sonnet-4-5-20250929"},
		},
	}

	p := cfg.Provider("anthropic")
	if p == nil || p.Model != "claude-sonnet-4-5-20250929" {
		t.Errorf("Provider(anthropic): got %+v", p)
	}
	if cfg.Provider("mistral") != nil {
		t.Error("Provider(mistral): want nil for unconfigured id")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VAULTPILOT_PROVIDER", "anthropic")
	t.Setenv("VAULTPILOT_DATA_DIR", "/tmp/vp-data")
	t.Setenv("VAULTPILOT_COPILOT_BIN", "/opt/bin/copilot")
	t.Setenv("VAULTPILOT_MODEL", "gpt-5-codex")

	cfg := &Config{
		DefaultProvider: "copilot",
		DataDirectory:   "~/.local/share/vaultpilot",
		Providers:       []ProviderConfig{{ID: "openai", Model: "gpt-4o-mini"}},
	}
	cfg.applyEnvOverrides()

	if cfg.DefaultProvider != "anthropic" {
		t.Errorf("DefaultProvider: got %q", cfg.DefaultProvider)
	}
	if cfg.DataDirectory != "/tmp/vp-data" {
		t.Errorf("DataDirectory: got %q", cfg.DataDirectory)
	}
	if cfg.Copilot.BinaryPath != "/opt/bin/copilot" {
		t.Errorf("BinaryPath: got %q", cfg.Copilot.BinaryPath)
	}
	if cfg.Copilot.Model != "gpt-5-codex" || cfg.Providers[0].Model != "gpt-5-codex" {
		t.Errorf("model override: copilot=%q provider=%q", cfg.Copilot.Model, cfg.Providers[0].Model)
	}
}

func TestUserConfigRoundTrip(t *testing.T) {
	dataDir := t.TempDir()

	cfg := &UserConfig{
		DefaultProvider: "azure",
		Copilot: CopilotConfig{
			BinaryPath:         "/usr/local/bin/copilot",
			StaleThresholdMins: 20,
			RequestTimeoutSecs: 120,
		},
		Providers: []ProviderConfig{
			{ID: "azure", Name: "Azure OpenAI", Enabled: true, Endpoint: "https://r.openai.azure.com", Deployment: "gpt-4o"},
		},
		MaxToolRounds:      3,
		SearchIndexEnabled: true,
	}
	if err := SaveUserConfig(cfg, dataDir); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dataDir, "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config.toml permissions: got %o, want 0600", perm)
	}

	loaded, err := LoadUserConfig(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.DefaultProvider != "azure" || loaded.MaxToolRounds != 3 {
		t.Errorf("loaded: provider=%q rounds=%d", loaded.DefaultProvider, loaded.MaxToolRounds)
	}
	if loaded.Copilot.StaleThresholdMins != 20 {
		t.Errorf("stale threshold: got %d", loaded.Copilot.StaleThresholdMins)
	}
	if len(loaded.Providers) != 1 || loaded.Providers[0].Deployment != "gpt-4o" {
		t.Errorf("providers: got %+v", loaded.Providers)
	}
}

func TestLoadUserConfigCreatesDefault(t *testing.T) {
	dataDir := t.TempDir()

	loaded, err := LoadUserConfig(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.DefaultProvider != "copilot" {
		t.Errorf("default provider: got %q", loaded.DefaultProvider)
	}
	if loaded.Copilot.StaleThresholdMins != 25 || loaded.Copilot.RequestTimeoutSecs != 180 {
		t.Errorf("copilot defaults: %+v", loaded.Copilot)
	}
	if !FileExists(filepath.Join(dataDir, "config.toml")) {
		t.Error("default config.toml not written")
	}
}

func TestPlainTextCredentialsRoundTrip(t *testing.T) {
	dataDir := t.TempDir()

	store := NewCredentialStore(SecurityPlainText, "")
	if err := store.Load(dataDir); err != nil {
		t.Fatal(err)
	}
	if got := store.Get("openai"); got != "" {
		t.Errorf("fresh store: got %q", got)
	}

	if err := store.Set("openai", "sk-test-123"); err != nil {
		t.Fatal(err)
	}
	if err := store.Set("anthropic", "sk-ant-456"); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(dataDir); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dataDir, "credentials.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("credentials.toml permissions: got %o, want 0600", perm)
	}

	reloaded := NewCredentialStore(SecurityPlainText, "")
	if err := reloaded.Load(dataDir); err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Get("openai"); got != "sk-test-123" {
		t.Errorf("openai key: got %q", got)
	}

	if err := reloaded.Delete("openai"); err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Get("openai"); got != "" {
		t.Errorf("after delete: got %q", got)
	}
}

func writeTestSSHKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "vaultpilot test key")
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatal(err)
	}
	return keyPath
}

func TestSSHEncryptedCredentialsRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	keyPath := writeTestSSHKey(t)

	store := NewCredentialStore(SecuritySSHKey, keyPath)
	if err := store.Set("azure", "azure-key-789"); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(dataDir); err != nil {
		t.Fatal(err)
	}

	// Ciphertext on disk must not leak the key material.
	raw, err := os.ReadFile(filepath.Join(dataDir, "credentials.enc"))
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) == 0 || bytes.Contains(raw, []byte("azure-key-789")) {
		t.Error("credentials stored unencrypted")
	}

	reloaded := NewCredentialStore(SecuritySSHKey, keyPath)
	if err := reloaded.Load(dataDir); err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Get("azure"); got != "azure-key-789" {
		t.Errorf("azure key: got %q", got)
	}
}

func TestSSHEncryptedWrongKeyFails(t *testing.T) {
	dataDir := t.TempDir()

	store := NewCredentialStore(SecuritySSHKey, writeTestSSHKey(t))
	if err := store.Set("openai", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(dataDir); err != nil {
		t.Fatal(err)
	}

	other := NewCredentialStore(SecuritySSHKey, writeTestSSHKey(t))
	if err := other.Load(dataDir); err == nil {
		t.Error("expected decryption failure with a different key")
	}
}
