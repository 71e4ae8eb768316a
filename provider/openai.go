package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"vaultpilot/config"
	"vaultpilot/model"
	"vaultpilot/tools"
)

// DefaultOpenAIBaseURL is used when no base URL is configured.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// chatCompletionSession is the shared machinery behind the stateless HTTP
// sessions (OpenAI and Azure OpenAI). Stateless means the backend keeps
// nothing between requests: every send carries the system prompt plus the
// full visible history, so there is no remote conversation to go stale and
// no reconciliation to perform.
type chatCompletionSession struct {
	cfg  Config
	kind Kind

	newClient func(cfg Config) (openai.Client, error)
	client    openai.Client

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

// OpenAISession implements model.Session against the OpenAI chat
// completions API.
type OpenAISession struct {
	chatCompletionSession
}

// NewOpenAISession creates an uninitialized OpenAI session.
func NewOpenAISession(cfg Config) *OpenAISession {
	s := &OpenAISession{}
	s.init(cfg, KindOpenAI, func(cfg Config) (openai.Client, error) {
		if cfg.APIKey == "" {
			return openai.Client{}, fmt.Errorf("OpenAI API key is required")
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DefaultOpenAIBaseURL
		}
		return openai.NewClient(
			option.WithBaseURL(baseURL),
			option.WithAPIKey(cfg.APIKey),
		), nil
	})
	return s
}

func (s *chatCompletionSession) init(cfg Config, kind Kind, newClient func(Config) (openai.Client, error)) {
	s.cfg = cfg
	s.kind = kind
	s.newClient = newClient
	s.state = model.StateUninitialized
	s.systemPrompt = cfg.SystemPrompt
	s.loop = NewToolExecutionLoop(nil, cfg.MaxToolRounds)
}

// Initialize builds the API client. A failure leaves the session
// uninitialized with no client retained.
func (s *chatCompletionSession) Initialize(ctx context.Context) error {
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

	client, err := s.newClient(s.cfg)
	if err != nil {
		s.mu.Lock()
		s.state = model.StateUninitialized
		s.mu.Unlock()
		return &model.InitializationError{Provider: string(s.kind), Err: err}
	}

	s.mu.Lock()
	s.client = client
	s.state = model.StateReady
	s.mu.Unlock()
	config.DebugLog.Printf("%s session ready, model %s", s.kind, s.cfg.Model)
	return nil
}

// SendMessage sends a prompt and blocks for the complete response.
func (s *chatCompletionSession) SendMessage(ctx context.Context, prompt string) (string, error) {
	return s.send(ctx, prompt, model.StateSending, model.StreamHandlers{}, false)
}

// SendMessageStreaming sends a prompt, forwarding fragments to the handlers.
func (s *chatCompletionSession) SendMessageStreaming(ctx context.Context, prompt string, handlers model.StreamHandlers) error {
	_, err := s.send(ctx, prompt, model.StateStreaming, handlers, true)
	if err != nil && handlers.OnError != nil {
		handlers.OnError(err)
	}
	return err
}

func (s *chatCompletionSession) send(ctx context.Context, prompt string, busy model.SessionState, handlers model.StreamHandlers, streaming bool) (string, error) {
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

	// Wire-level messages persist across tool rounds so the assistant's
	// tool-call turns and their results stay paired on the wire.
	wire := toOpenAIMessages(systemPrompt, history)
	var lastTurn ModelTurn
	priorLen := len(history)

	loop := s.currentLoop()
	content, appended, err := loop.Run(sendCtx, history, func(ctx context.Context, working []model.Message) (ModelTurn, error) {
		if fresh := working[priorLen:]; len(fresh) > 0 {
			wire = append(wire, assistantToolCallMessage(lastTurn))
			for _, msg := range fresh {
				if msg.Role == model.RoleTool {
					wire = append(wire, openai.ToolMessage(msg.Content, msg.ToolCallID))
				}
			}
		}
		priorLen = len(working)

		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(s.cfg.Model),
			Messages: wire,
		}
		if registry != nil && registry.Len() > 0 {
			params.Tools = tools.ConvertToOpenAIFormat(registry.List())
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
			// an aborted request resolves with the partial content
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

// oneTurn performs one API exchange. Streaming requests feed raw deltas
// through a StreamAssembler with a per-chunk inactivity timeout; blocking
// requests take the consolidated response.
func (s *chatCompletionSession) oneTurn(ctx context.Context, params openai.ChatCompletionNewParams, handlers model.StreamHandlers, streaming bool) (ModelTurn, error) {
	if !streaming {
		started := time.Now()
		completion, err := s.client.Chat.Completions.New(ctx, params)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return ModelTurn{}, &model.RequestTimeoutError{Elapsed: time.Since(started)}
			}
			return ModelTurn{}, fmt.Errorf("%s request: %w", s.kind, err)
		}
		if len(completion.Choices) == 0 {
			return ModelTurn{}, fmt.Errorf("%s request: empty response", s.kind)
		}
		msg := completion.Choices[0].Message
		turn := ModelTurn{Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			turn.ToolCalls = append(turn.ToolCalls, model.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: ParseToolArguments(tc.Function.Arguments),
			})
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

	stream := s.client.Chat.Completions.NewStreaming(ctx, params)
	for stream.Next() {
		watchdog.Reset(timeout)
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			asm.AddContentDelta(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			asm.AddToolCallDelta(int(tc.Index), tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
	}
	if err := stream.Err(); err != nil {
		if s.hasTimedOut() {
			return ModelTurn{}, &model.RequestTimeoutError{Elapsed: time.Since(started)}
		}
		return ModelTurn{}, fmt.Errorf("%s streaming: %w", s.kind, err)
	}

	content, calls := asm.Finalize()
	return ModelTurn{Content: content, ToolCalls: calls}, nil
}

// Abort cancels the in-flight request. The pending send resolves with the
// partial content received so far.
func (s *chatCompletionSession) Abort() {
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
func (s *chatCompletionSession) abortOnTimeout() {
	s.mu.Lock()
	s.timedOut = true
	s.mu.Unlock()
	s.Abort()
}

func (s *chatCompletionSession) wasAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *chatCompletionSession) hasTimedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timedOut
}

// resolveAborted finishes an aborted send with whatever content the
// assembler collected, recording it in history.
func (s *chatCompletionSession) resolveAborted(handlers model.StreamHandlers) (string, error) {
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
func (s *chatCompletionSession) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == model.StateReady
}

// Destroy marks the session unusable. The HTTP client holds no connection
// state that outlives requests.
func (s *chatCompletionSession) Destroy() error {
	s.Abort()
	s.mu.Lock()
	s.state = model.StateDestroyed
	s.mu.Unlock()
	return nil
}

// SetSystemPrompt replaces the system prompt for subsequent requests.
func (s *chatCompletionSession) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	s.systemPrompt = prompt
	s.mu.Unlock()
}

// SetTools replaces the active tool set for subsequent requests.
func (s *chatCompletionSession) SetTools(registry *tools.Registry) {
	s.mu.Lock()
	s.registry = registry
	s.mu.Unlock()
}

// Messages returns a copy of the visible history, oldest first.
func (s *chatCompletionSession) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.history))
	copy(out, s.history)
	return out
}

// State returns the current lifecycle state.
func (s *chatCompletionSession) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *chatCompletionSession) beginSend(busy model.SessionState) error {
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

func (s *chatCompletionSession) endSend() {
	s.mu.Lock()
	if s.state == model.StateSending || s.state == model.StateStreaming {
		s.state = model.StateReady
	}
	s.mu.Unlock()
}

func (s *chatCompletionSession) currentLoop() *ToolExecutionLoop {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop.Registry = s.registry
	return s.loop
}

// toOpenAIMessages converts the visible history to wire format, prepending
// the system prompt when set. Tool messages carry their call id.
func toOpenAIMessages(systemPrompt string, messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if systemPrompt != "" {
		result = append(result, openai.SystemMessage(systemPrompt))
	}
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			result = append(result, openai.AssistantMessage(msg.Content))
		case model.RoleTool:
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}

// assistantToolCallMessage rebuilds the assistant turn that requested tool
// calls so the wire history pairs each tool result with its call.
func assistantToolCallMessage(turn ModelTurn) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	if turn.Content != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(turn.Content),
		}
	}
	for _, call := range turn.ToolCalls {
		args, err := marshalArguments(call.Arguments)
		if err != nil {
			args = "{}"
		}
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: call.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      call.Name,
					Arguments: args,
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}
