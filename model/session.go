package model

import (
	"context"

	"vaultpilot/tools"
)

// Session abstracts a per-provider chat session (Copilot CLI, OpenAI, Azure
// OpenAI, Anthropic) using provider-agnostic types from the model layer.
//
// This interface is defined in the model package (not provider package) to
// avoid import cycles: provider implementations can import model, and callers
// can use the Session interface without importing the provider package.
//
// Lifecycle: Uninitialized → Initializing → Ready → {Sending, Streaming} →
// Ready; any state → Destroyed via Destroy. A failed Initialize returns the
// session to Uninitialized with no partial client retained. A failed in-flight
// request returns it to Ready.
//
// Callers must serialize requests to one session: the core does not queue
// concurrent sends, and concurrent calls on the same session are undefined
// behavior.
type Session interface {
	// Initialize prepares the session (client creation, remote conversation
	// setup for stateful backends). Must be called before the first send.
	Initialize(ctx context.Context) error

	// SendMessage sends a prompt and blocks until the full response,
	// including any tool-calling rounds, is available.
	SendMessage(ctx context.Context, prompt string) (string, error)

	// SendMessageStreaming sends a prompt and streams the response through
	// the handlers. It returns once the final turn completes or fails.
	SendMessageStreaming(ctx context.Context, prompt string, handlers StreamHandlers) error

	// Abort stops an in-flight request. The pending call resolves with the
	// partial content accumulated so far. No-op outside Sending/Streaming.
	Abort()

	// IsReady reports whether the session can accept a new request.
	IsReady() bool

	// Destroy releases the session's resources. The session is unusable
	// afterwards.
	Destroy() error

	// SetSystemPrompt replaces the system prompt for subsequent requests.
	SetSystemPrompt(prompt string)

	// SetTools replaces the active tool set for subsequent requests.
	SetTools(registry *tools.Registry)

	// Messages returns the session's visible message history, oldest first.
	Messages() []Message
}

// StreamHandlers carries the callbacks for a streaming request. Any handler
// may be nil.
type StreamHandlers struct {
	// OnDelta receives each content fragment as it arrives.
	OnDelta func(text string)

	// OnComplete receives consolidated content: at least once with the final
	// text, and at most once per distinct intermediate value for UIs that
	// want progressive rendering.
	OnComplete func(fullText string)

	// OnError receives a terminal error for the request.
	OnError func(err error)
}

// SessionState tracks where a session is in its lifecycle.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateInitializing
	StateReady
	StateSending
	StateStreaming
	StateDestroyed
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
