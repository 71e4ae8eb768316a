package config

func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		DataDirectory: "~/.local/share/vaultpilot",
	}
}

func DefaultUserConfig() *UserConfig {
	return &UserConfig{
		DefaultProvider: "copilot",
		Copilot: CopilotConfig{
			StaleThresholdMins: 25,
			RequestTimeoutSecs: 180,
		},
		MaxToolRounds:      5,
		SearchIndexEnabled: true,
	}
}

func GenerateSystemConfigTemplate() string {
	return `# VaultPilot System Configuration
# Location: ~/.config/vaultpilot/settings.toml
# This file uses TOML format: https://toml.io

# Directory where sessions and user config are stored
data_directory = "~/.local/share/vaultpilot"
`
}

func GenerateUserConfigTemplate() string {
	return `# VaultPilot User Configuration
# Location: <data_directory>/config.toml
# This file uses TOML format: https://toml.io

# Provider used when no session specifies one.
# One of: "copilot", "openai", "azure", "anthropic"
default_provider = "copilot"

# Default system prompt for new sessions (optional)
# Example: "You are a helpful coding assistant."
default_system_prompt = ""

# Maximum tool-calling rounds per request
max_tool_rounds = 5

# Full-text search index over session history (sqlite)
search_index_enabled = true

[copilot]
# Path to the copilot CLI binary (default: resolved on PATH)
binary_path = ""

# Model passed to the CLI (optional)
model = ""

# Minutes of inactivity before the remote conversation is considered
# stale and recreated. Must stay below the backend's 30 minute expiry.
stale_threshold_minutes = 25

# Seconds without streaming activity before an in-flight request is
# abandoned
request_timeout_seconds = 180

# HTTP providers. API keys live in credentials.toml, not here.
#
# [[providers]]
# id = "openai"
# name = "OpenAI"
# enabled = true
# model = "gpt-4o-mini"
#
# [[providers]]
# id = "azure"
# name = "Azure OpenAI"
# enabled = false
# endpoint = "https://myresource.openai.azure.com"
# deployment = "gpt-4o"
#
# [[providers]]
# id = "anthropic"
# name = "Anthropic"
# enabled = false
# model = "claude-sonnet-4-5-20250929"
`
}
