// Package provider implements the session orchestration core over the
// supported chat backends.
//
// vaultpilot supports one stateful backend (the copilot CLI, which keeps
// conversation state on its side) and three stateless HTTP backends (OpenAI,
// Azure OpenAI, Anthropic) through the common model.Session contract. This
// keeps the channels and business logic backend-agnostic: adding a provider
// means implementing the contract and adding a factory case.
//
// # Architecture
//
//   - model.Session defines the contract (interface)
//   - provider.CopilotSession implements it over the copilot CLI
//   - provider.OpenAISession and provider.AzureSession implement it over
//     chat completions (Azure reuses the OpenAI mechanics with a
//     deployment-scoped client)
//   - provider.AnthropicSession implements it over the Anthropic API
//   - provider.NewSession() dispatches on Config.Kind
//
// The shared orchestration pieces live here too: StreamAssembler merges
// interleaved content and tool-call fragments into finalized turns,
// ToolExecutionLoop drives the request/tool-execution cycle, and for the
// stateful backend IdleTimeoutMonitor and ConversationReconciler keep the
// remote conversation alive and uniquely bound to the local session record.
//
// # Usage
//
//	cfg := provider.Config{
//	    Kind:   provider.KindOpenAI,
//	    APIKey: key,
//	    Model:  "gpt-4o-mini",
//	}
//	sess, err := provider.NewSession(cfg, nil, nil)
//	if err != nil {
//	    // handle error
//	}
//	if err := sess.Initialize(ctx); err != nil {
//	    // handle error
//	}
//	reply, err := sess.SendMessage(ctx, "hello")
package provider

import "time"

// Kind identifies the provider implementation.
type Kind string

const (
	KindCopilot   Kind = "copilot"
	KindOpenAI    Kind = "openai"
	KindAzure     Kind = "azure"
	KindAnthropic Kind = "anthropic"
)

// Defaults applied when the corresponding Config fields are zero.
const (
	// DefaultStaleThreshold must stay strictly below the copilot backend's
	// 30 minute hard expiry so recreation always precedes forced expiry.
	DefaultStaleThreshold = 25 * time.Minute

	// DefaultMaxToolRounds bounds the tool-calling loop against a model
	// that keeps requesting tools.
	DefaultMaxToolRounds = 5

	// DefaultRequestTimeout is the per-request inactivity timeout. The
	// timer resets on every received event, so a long interactive tool
	// call does not trip it.
	DefaultRequestTimeout = 3 * time.Minute
)

// Config holds provider-specific session configuration, discriminated by
// Kind. Fields outside the shared block apply only to the kinds noted.
type Config struct {
	Kind Kind

	// Shared
	Model          string
	Streaming      bool
	SystemPrompt   string
	MaxToolRounds  int           // 0 = DefaultMaxToolRounds
	RequestTimeout time.Duration // 0 = DefaultRequestTimeout

	// OpenAI / Anthropic
	APIKey  string
	BaseURL string

	// Azure
	Endpoint   string
	Deployment string
	APIVersion string

	// Copilot
	BinaryPath     string
	StaleThreshold time.Duration // 0 = DefaultStaleThreshold
	OnReconnect    func()        // fired after transparent idle recreation
}
