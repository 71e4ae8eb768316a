package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"vaultpilot/config"
	"vaultpilot/copilot"
	"vaultpilot/model"
	"vaultpilot/storage"
	"vaultpilot/tools"
)

// CopilotSession implements model.Session on top of the copilot CLI, the
// stateful backend. The remote side keeps the conversation; each send only
// carries new input. Local history is still maintained in full so the
// session survives remote conversation loss: a stale or missing remote
// conversation is recreated transparently and local history is untouched.
type CopilotSession struct {
	cfg    Config
	client *copilot.Client
	store  *storage.SessionStorage
	record *storage.Session

	mu           sync.Mutex
	state        model.SessionState
	history      []model.Message
	systemPrompt string
	registry     *tools.Registry
	aborted      bool

	idle       *IdleTimeoutMonitor
	reconciler *ConversationReconciler
	loop       *ToolExecutionLoop
}

// NewCopilotSession creates an uninitialized session. A nil record gets a
// fresh in-memory one; pass a loaded record to continue a persisted session.
func NewCopilotSession(cfg Config, store *storage.SessionStorage, record *storage.Session) *CopilotSession {
	if record == nil {
		record = &storage.Session{
			Provider: string(KindCopilot),
			Model:    cfg.Model,
		}
	}
	s := &CopilotSession{
		cfg:          cfg,
		client:       copilot.NewClient(cfg.BinaryPath, cfg.Model),
		store:        store,
		record:       record,
		state:        model.StateUninitialized,
		history:      FromStorageMessages(record.Messages),
		systemPrompt: cfg.SystemPrompt,
	}
	if s.systemPrompt == "" {
		s.systemPrompt = record.SystemPrompt
	}
	s.idle = NewIdleTimeoutMonitor(cfg.StaleThreshold)
	s.idle.OnReconnect = cfg.OnReconnect
	s.loop = NewToolExecutionLoop(nil, cfg.MaxToolRounds)
	return s
}

// Client exposes the underlying CLI client, mainly so callers can install a
// custom transport before Initialize.
func (s *CopilotSession) Client() *copilot.Client {
	return s.client
}

// Initialize starts the CLI client and binds a remote conversation. A
// failure leaves the session uninitialized with no client retained.
func (s *CopilotSession) Initialize(ctx context.Context) error {
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

	fail := func(err error) error {
		s.client.Stop()
		s.mu.Lock()
		s.state = model.StateUninitialized
		s.mu.Unlock()
		return &model.InitializationError{Provider: string(KindCopilot), Err: err}
	}

	if err := s.client.Start(ctx); err != nil {
		return fail(err)
	}
	if s.systemPrompt != "" {
		s.client.SetSystemPrompt(s.systemPrompt)
	}
	s.reconciler = NewConversationReconciler(s.client, s.store)
	if _, err := s.reconciler.Ensure(ctx, s.record); err != nil {
		return fail(err)
	}

	s.idle.Touch()
	s.mu.Lock()
	s.state = model.StateReady
	s.mu.Unlock()
	config.DebugLog.Printf("copilot session ready, conversation %s", s.client.ConversationID())
	return nil
}

// SendMessage sends a prompt and blocks for the complete response.
func (s *CopilotSession) SendMessage(ctx context.Context, prompt string) (string, error) {
	return s.send(ctx, prompt, model.StateSending, model.StreamHandlers{})
}

// SendMessageStreaming sends a prompt, forwarding fragments to the handlers
// as they arrive.
func (s *CopilotSession) SendMessageStreaming(ctx context.Context, prompt string, handlers model.StreamHandlers) error {
	_, err := s.send(ctx, prompt, model.StateStreaming, handlers)
	if err != nil && handlers.OnError != nil {
		handlers.OnError(err)
	}
	return err
}

func (s *CopilotSession) send(ctx context.Context, prompt string, busy model.SessionState, handlers model.StreamHandlers) (string, error) {
	if err := s.beginSend(busy); err != nil {
		return "", err
	}
	defer s.endSend()

	if err := s.idle.EnsureFresh(ctx, func(ctx context.Context) error {
		_, err := s.reconciler.Rebind(ctx, s.record)
		return err
	}); err != nil {
		return "", err
	}
	if _, err := s.reconciler.Ensure(ctx, s.record); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.aborted = false
	userMsg := model.NewUserMessage(prompt, model.ChannelUI)
	s.history = append(s.history, userMsg)
	history := make([]model.Message, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()
	s.idle.Touch()

	loop := s.currentLoop()
	priorLen := len(history)
	firstRound := true

	content, appended, err := loop.Run(ctx, history, func(ctx context.Context, working []model.Message) (ModelTurn, error) {
		input := prompt
		if !firstRound {
			input = encodeToolResults(working[priorLen:])
		}
		firstRound = false
		priorLen = len(working)
		return s.oneTurn(ctx, input, handlers)
	})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.history = append(s.history, appended...)
	s.history = append(s.history, model.NewAssistantMessage(content))
	s.mu.Unlock()
	s.persist()
	s.idle.Touch()
	return content, nil
}

// oneTurn performs one CLI exchange, assembling streamed events into a
// model turn. Every event counts as activity for both the idle monitor and
// the request inactivity timeout.
func (s *CopilotSession) oneTurn(ctx context.Context, input string, handlers model.StreamHandlers) (ModelTurn, error) {
	asm := NewStreamAssembler(handlers.OnDelta, handlers.OnComplete)

	toolsJSON, err := s.encodeTools()
	if err != nil {
		return ModelTurn{}, err
	}

	events, err := s.client.Send(ctx, input, toolsJSON)
	if err != nil {
		return ModelTurn{}, err
	}

	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	started := time.Now()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return s.finishTurn(asm)
			}
			s.idle.Touch()
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

			switch ev.Kind {
			case copilot.EventContentDelta:
				asm.AddContentDelta(ev.Text)
			case copilot.EventToolCallDelta:
				asm.AddToolCallDelta(ev.Index, ev.ToolID, ev.ToolName, ev.ArgsDelta)
			case copilot.EventMessage:
				asm.AddMessage(ev.Text)
			case copilot.EventTurnComplete:
				// drain continues until the channel closes
			case copilot.EventError:
				return ModelTurn{}, ev.Err
			}
		case <-timer.C:
			s.client.Abort()
			return ModelTurn{}, &model.RequestTimeoutError{Elapsed: time.Since(started)}
		case <-ctx.Done():
			s.client.Abort()
			return ModelTurn{}, ctx.Err()
		}
	}
}

// finishTurn resolves an ended event stream. An aborted request resolves
// with the partial content accumulated so far and no pending tool calls.
func (s *CopilotSession) finishTurn(asm *StreamAssembler) (ModelTurn, error) {
	s.mu.Lock()
	aborted := s.aborted
	s.mu.Unlock()

	content, calls := asm.Finalize()
	if aborted {
		return ModelTurn{Content: content}, nil
	}
	return ModelTurn{Content: content, ToolCalls: calls}, nil
}

// Abort cancels the in-flight request. The pending send resolves with the
// partial content received so far.
func (s *CopilotSession) Abort() {
	s.mu.Lock()
	if s.state != model.StateSending && s.state != model.StateStreaming {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.mu.Unlock()
	s.client.Abort()
}

// IsReady reports whether the session can accept a new request.
func (s *CopilotSession) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == model.StateReady
}

// Destroy stops the CLI client and marks the session unusable.
func (s *CopilotSession) Destroy() error {
	s.mu.Lock()
	if s.state == model.StateDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.state = model.StateDestroyed
	s.mu.Unlock()
	s.client.Stop()
	return nil
}

// SetSystemPrompt replaces the system prompt for subsequent requests.
func (s *CopilotSession) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	s.systemPrompt = prompt
	s.record.SystemPrompt = prompt
	s.mu.Unlock()
	s.client.SetSystemPrompt(prompt)
}

// SetTools replaces the active tool set for subsequent requests.
func (s *CopilotSession) SetTools(registry *tools.Registry) {
	s.mu.Lock()
	s.registry = registry
	s.mu.Unlock()
}

// Messages returns a copy of the visible history, oldest first.
func (s *CopilotSession) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.history))
	copy(out, s.history)
	return out
}

// State returns the current lifecycle state.
func (s *CopilotSession) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CopilotSession) beginSend(busy model.SessionState) error {
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

func (s *CopilotSession) endSend() {
	s.mu.Lock()
	if s.state == model.StateSending || s.state == model.StateStreaming {
		s.state = model.StateReady
	}
	s.mu.Unlock()
}

func (s *CopilotSession) currentLoop() *ToolExecutionLoop {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop.Registry = s.registry
	return s.loop
}

func (s *CopilotSession) encodeTools() (string, error) {
	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()
	if registry == nil || registry.Len() == 0 {
		return "", nil
	}
	data, err := json.Marshal(registry.MCPTools())
	if err != nil {
		return "", fmt.Errorf("encoding tools: %w", err)
	}
	return string(data), nil
}

func (s *CopilotSession) persist() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	s.record.Messages = ToStorageMessages(s.history)
	record := s.record
	s.mu.Unlock()
	if err := s.store.Save(record); err != nil {
		config.DebugLog.Printf("copilot session: persisting history failed: %v", err)
	}
}

// encodeToolResults packs tool-result messages into the prompt payload for
// the next CLI round. The stateful backend carries only new input per send.
func encodeToolResults(results []model.Message) string {
	type wireResult struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	payload := struct {
		ToolResults []wireResult `json:"tool_results"`
	}{}
	for _, msg := range results {
		if msg.Role != model.RoleTool {
			continue
		}
		payload.ToolResults = append(payload.ToolResults, wireResult{Role: msg.Role, Content: msg.Content})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"tool_results":[]}`
	}
	return string(data)
}
