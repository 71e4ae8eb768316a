package provider

import "fmt"

// ValidateConfig checks that a Config carries everything its provider kind
// needs before a session is constructed. Validation failures are caught
// here, at construction, rather than surfacing as opaque API errors on the
// first send.
func ValidateConfig(cfg Config) error {
	switch cfg.Kind {
	case KindCopilot:
		// binary path is optional, PATH resolution is the default
		if cfg.StaleThreshold < 0 {
			return fmt.Errorf("copilot: stale threshold must not be negative")
		}
	case KindOpenAI:
		if cfg.APIKey == "" {
			return fmt.Errorf("openai: API key is required")
		}
		if cfg.Model == "" {
			return fmt.Errorf("openai: model is required")
		}
	case KindAzure:
		if cfg.Endpoint == "" {
			return fmt.Errorf("azure: endpoint is required")
		}
		if cfg.APIKey == "" {
			return fmt.Errorf("azure: API key is required")
		}
		if cfg.Deployment == "" && cfg.Model == "" {
			return fmt.Errorf("azure: deployment is required")
		}
	case KindAnthropic:
		if cfg.APIKey == "" {
			return fmt.Errorf("anthropic: API key is required")
		}
		if cfg.Model == "" {
			return fmt.Errorf("anthropic: model is required")
		}
	default:
		return fmt.Errorf("unknown provider kind: %s", cfg.Kind)
	}
	if cfg.MaxToolRounds < 0 {
		return fmt.Errorf("%s: max tool rounds must not be negative", cfg.Kind)
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("%s: request timeout must not be negative", cfg.Kind)
	}
	return nil
}
