package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"vaultpilot/config"
	"vaultpilot/model"
	"vaultpilot/tools"
)

// DefaultAnthropicBaseURL is used when no base URL is configured.
const DefaultAnthropicBaseURL = "https://api.anthropic.com"

// anthropicMaxTokens is required by the messages API on every request.
const anthropicMaxTokens = 4096

// AnthropicSession implements model.Session against the Anthropic messages
// API. Stateless like the OpenAI sessions: every send carries the system
// prompt and the full visible history. The wire format differs enough from
// chat completions (system as a separate parameter, tool results as user
// content blocks) that the session keeps its own conversion path.
type AnthropicSession struct {
	cfg    Config
	client *anthropic.Client

	mu           sync.Mutex
	state        model.SessionState
	history      []model.Message
	systemPrompt string
	registry     *tools.Registry
	aborted      bool
	timedOut     bool
	cancel       context.CancelFunc
	assembler    *StreamAssembler

	loop *ToolExecutionLoop
}

// NewAnthropicSession creates an uninitialized Anthropic session.
func NewAnthropicSession(cfg Config) *AnthropicSession {
	return &AnthropicSession{
		cfg:          cfg,
		state:        model.StateUninitialized,
		systemPrompt: cfg.SystemPrompt,
		loop:         NewToolExecutionLoop(nil, cfg.MaxToolRounds),
	}
}

// Initialize builds the API client. A failure leaves the session
// uninitialized with no client retained.
func (s *AnthropicSession) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case model.StateDestroyed:
		s.mu.Unlock()
		return model.ErrSessionDestroyed
	case model.StateUninitialized:
	default:
		s.mu.Unlock()
		return fmt.Errorf("initialize: session is %s", s.state)
	}
	s.state = model.StateInitializing
	s.mu.Unlock()

	if s.cfg.APIKey == "" {
		s.mu.Lock()
		s.state = model.StateUninitialized
		s.mu.Unlock()
		return &model.InitializationError{
			Provider: string(KindAnthropic),
			Err:      fmt.Errorf("Anthropic API key is required"),
		}
	}
	baseURL := s.cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	client := anthropic.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(s.cfg.APIKey),
	)

	s.mu.Lock()
	s.client = &client
	s.state = model.StateReady
	s.mu.Unlock()
	config.DebugLog.Printf("anthropic session ready, model %s", s.cfg.Model)
	return nil
}

// SendMessage sends a prompt and blocks for the complete response.
func (s *AnthropicSession) SendMessage(ctx context.Context, prompt string) (string, error) {
	return s.send(ctx, prompt, model.StateSending, model.StreamHandlers{}, false)
}

// SendMessageStreaming sends a prompt, forwarding fragments to the handlers.
func (s *AnthropicSession) SendMessageStreaming(ctx context.Context, prompt string, handlers model.StreamHandlers) error {
	_, err := s.send(ctx, prompt, model.StateStreaming, handlers, true)
	if err != nil && handlers.OnError != nil {
		handlers.OnError(err)
	}
	return err
}

func (s *AnthropicSession) send(ctx context.Context, prompt string, busy model.SessionState, handlers model.StreamHandlers, streaming bool) (string, error) {
	if err := s.beginSend(busy); err != nil {
		return "", err
	}
	defer s.endSend()

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.aborted = false
	s.timedOut = false
	s.cancel = cancel
	s.history = append(s.history, model.NewUserMessage(prompt, model.ChannelUI))
	history := make([]model.Message, len(s.history))
	copy(history, s.history)
	registry := s.registry
	systemPrompt := s.systemPrompt
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	wire, systemBlocks := toAnthropicMessages(systemPrompt, history)
	var lastTurn ModelTurn
	priorLen := len(history)

	loop := s.currentLoop()
	content, appended, err := loop.Run(sendCtx, history, func(ctx context.Context, working []model.Message) (ModelTurn, error) {
		if fresh := working[priorLen:]; len(fresh) > 0 {
			wire = append(wire, assistantToolUseMessage(lastTurn))
			wire = append(wire, toolResultMessage(fresh))
		}
		priorLen = len(working)

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(s.cfg.Model),
			Messages:  wire,
			MaxTokens: anthropicMaxTokens,
		}
		if len(systemBlocks) > 0 {
			params.System = systemBlocks
		}
		if registry != nil && registry.Len() > 0 {
			params.Tools = tools.ConvertToAnthropicFormat(registry.List())
		}

		turn, err := s.oneTurn(ctx, params, handlers, streaming)
		if err != nil {
			return ModelTurn{}, err
		}
		lastTurn = turn
		return turn, nil
	})
	if err != nil {
		// a timeout rejects the send even though it aborted the request
		var timeoutErr *model.RequestTimeoutError
		if errors.As(err, &timeoutErr) {
			return "", err
		}
		if s.wasAborted() {
			return s.resolveAborted(handlers)
		}
		return "", err
	}

	s.mu.Lock()
	s.history = append(s.history, appended...)
	s.history = append(s.history, model.NewAssistantMessage(content))
	s.mu.Unlock()
	return content, nil
}

func (s *AnthropicSession) oneTurn(ctx context.Context, params anthropic.MessageNewParams, handlers model.StreamHandlers, streaming bool) (ModelTurn, error) {
	if !streaming {
		started := time.Now()
		msg, err := s.client.Messages.New(ctx, params)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return ModelTurn{}, &model.RequestTimeoutError{Elapsed: time.Since(started)}
			}
			return ModelTurn{}, fmt.Errorf("anthropic request: %w", err)
		}
		turn := ModelTurn{}
		for _, block := range msg.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				turn.Content += variant.Text
			case anthropic.ToolUseBlock:
				turn.ToolCalls = append(turn.ToolCalls, model.ToolCall{
					ID:        variant.ID,
					Name:      variant.Name,
					Arguments: ParseToolArguments(string(variant.Input)),
				})
			}
		}
		return turn, nil
	}

	asm := NewStreamAssembler(handlers.OnDelta, handlers.OnComplete)
	s.mu.Lock()
	s.assembler = asm
	s.mu.Unlock()

	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	started := time.Now()
	watchdog := time.AfterFunc(timeout, s.abortOnTimeout)
	defer watchdog.Stop()

	stream := s.client.Messages.NewStreaming(ctx, params)
	for stream.Next() {
		watchdog.Reset(timeout)
		event := stream.Current()

		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if toolUse, ok := eventVariant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				asm.AddToolCallDelta(int(eventVariant.Index), toolUse.ID, toolUse.Name, "")
			}
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				asm.AddContentDelta(deltaVariant.Text)
			case anthropic.InputJSONDelta:
				asm.AddToolCallDelta(int(eventVariant.Index), "", "", deltaVariant.PartialJSON)
			}
		}
	}
	if err := stream.Err(); err != nil {
		if s.hasTimedOut() {
			return ModelTurn{}, &model.RequestTimeoutError{Elapsed: time.Since(started)}
		}
		return ModelTurn{}, fmt.Errorf("anthropic streaming: %w", err)
	}

	content, calls := asm.Finalize()
	return ModelTurn{Content: content, ToolCalls: calls}, nil
}

// Abort cancels the in-flight request. The pending send resolves with the
// partial content received so far.
func (s *AnthropicSession) Abort() {
	s.mu.Lock()
	if s.state != model.StateSending && s.state != model.StateStreaming {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// abortOnTimeout is the streaming watchdog action. It cancels the request
// like a user abort but marks the send as timed out, so the pending call
// rejects with a timeout error instead of resolving with partial content.
func (s *AnthropicSession) abortOnTimeout() {
	s.mu.Lock()
	s.timedOut = true
	s.mu.Unlock()
	s.Abort()
}

func (s *AnthropicSession) wasAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *AnthropicSession) hasTimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timedOut
}

func (s *AnthropicSession) resolveAborted(handlers model.StreamHandlers) (string, error) {
	s.mu.Lock()
	var content string
	if s.assembler != nil {
		content = s.assembler.Content()
	}
	s.history = append(s.history, model.NewAssistantMessage(content))
	s.mu.Unlock()
	if handlers.OnComplete != nil {
		handlers.OnComplete(content)
	}
	return content, nil
}

// IsReady reports whether the session can accept a new request.
func (s *AnthropicSession) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == model.StateReady
}

// Destroy marks the session unusable.
func (s *AnthropicSession) Destroy() error {
	s.Abort()
	s.mu.Lock()
	s.state = model.StateDestroyed
	s.mu.Unlock()
	return nil
}

// SetSystemPrompt replaces the system prompt for subsequent requests.
func (s *AnthropicSession) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	s.systemPrompt = prompt
	s.mu.Unlock()
}

// SetTools replaces the active tool set for subsequent requests.
func (s *AnthropicSession) SetTools(registry *tools.Registry) {
	s.mu.Lock()
	s.registry = registry
	s.mu.Unlock()
}

// Messages returns a copy of the visible history, oldest first.
func (s *AnthropicSession) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.history))
	copy(out, s.history)
	return out
}

// State returns the current lifecycle state.
func (s *AnthropicSession) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *AnthropicSession) beginSend(busy model.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case model.StateReady:
		s.state = busy
		return nil
	case model.StateDestroyed:
		return model.ErrSessionDestroyed
	case model.StateUninitialized, model.StateInitializing:
		return fmt.Errorf("send: session is %s", s.state)
	default:
		return model.ErrSessionBusy
	}
}

func (s *AnthropicSession) endSend() {
	s.mu.Lock()
	if s.state == model.StateSending || s.state == model.StateStreaming {
		s.state = model.StateReady
	}
	s.mu.Unlock()
}

func (s *AnthropicSession) currentLoop() *ToolExecutionLoop {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop.Registry = s.registry
	return s.loop
}

// toAnthropicMessages converts the visible history to wire format. Anthropic
// takes the system prompt as a separate parameter, so system content comes
// back as text blocks rather than messages.
func toAnthropicMessages(systemPrompt string, messages []model.Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam) {
	var systemBlocks []anthropic.TextBlockParam
	if systemPrompt != "" {
		systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: systemPrompt})
	}

	wire := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: msg.Content})
		case model.RoleAssistant:
			wire = append(wire, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case model.RoleTool:
			wire = append(wire, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		default:
			wire = append(wire, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return wire, systemBlocks
}

// assistantToolUseMessage rebuilds the assistant turn that requested tool
// calls so each tool result pairs with its tool_use block on the wire.
func assistantToolUseMessage(turn ModelTurn) anthropic.MessageParam {
	var blocks []anthropic.ContentBlockParamUnion
	if turn.Content != "" {
		blocks = append(blocks, anthropic.NewTextBlock(turn.Content))
	}
	for _, call := range turn.ToolCalls {
		blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, call.Arguments, call.Name))
	}
	return anthropic.NewAssistantMessage(blocks...)
}

// toolResultMessage packs the round's tool results into one user message.
func toolResultMessage(results []model.Message) anthropic.MessageParam {
	var blocks []anthropic.ContentBlockParamUnion
	for _, msg := range results {
		if msg.Role != model.RoleTool {
			continue
		}
		blocks = append(blocks, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
	}
	return anthropic.NewUserMessage(blocks...)
}
