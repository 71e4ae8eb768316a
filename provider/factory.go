package provider

import (
	"fmt"

	"vaultpilot/model"
	"vaultpilot/storage"
)

// NewSession creates an uninitialized session for the configured provider
// kind. The caller must Initialize it before sending.
//
// The store and record parameters only apply to the copilot kind, whose
// remote conversation binding is persisted alongside the session; the
// stateless HTTP kinds ignore them.
//
// Example:
//
//	cfg := provider.Config{
//	    Kind:   provider.KindOpenAI,
//	    Model:  "gpt-4o-mini",
//	    APIKey: "sk-...",
//	}
//	session, err := provider.NewSession(cfg, nil, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := session.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
func NewSession(cfg Config, store *storage.SessionStorage, record *storage.Session) (model.Session, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindCopilot:
		return NewCopilotSession(cfg, store, record), nil
	case KindOpenAI:
		return NewOpenAISession(cfg), nil
	case KindAzure:
		return NewAzureSession(cfg), nil
	case KindAnthropic:
		return NewAnthropicSession(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider kind: %s", cfg.Kind)
	}
}

// MapProviderID converts a user-facing provider id from config to a factory
// Kind. Unknown ids pass through as-is; the factory rejects them.
func MapProviderID(id string) Kind {
	switch id {
	case "copilot":
		return KindCopilot
	case "openai":
		return KindOpenAI
	case "azure", "azure-openai":
		return KindAzure
	case "anthropic":
		return KindAnthropic
	default:
		return Kind(id)
	}
}
