package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"vaultpilot/copilot"
	"vaultpilot/model"
	"vaultpilot/tools"
)

var _ ConversationBackend = (*copilot.Client)(nil)

// cliScript scripts the copilot CLI wire for a session test. Each chat
// invocation consumes the next entry of responses; conversation commands
// are answered automatically.
type cliScript struct {
	mu        sync.Mutex
	creates   int
	chats     []string // prompts seen by chat invocations
	responses [][]string
}

func (s *cliScript) transport() copilot.Transport {
	return func(ctx context.Context, args []string, emit func([]byte) error) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch args[0] {
		case "conversation":
			switch args[1] {
			case "new":
				s.creates++
				line := fmt.Sprintf(`{"conversation_id":"conv-%d"}`, s.creates)
				return emit([]byte(line))
			case "resume":
				return emit([]byte(fmt.Sprintf(`{"conversation_id":%q,"status":"ok"}`, args[2])))
			}
			return fmt.Errorf("unexpected conversation command: %v", args)

		case "chat":
			s.chats = append(s.chats, args[len(args)-1])
			if len(s.responses) == 0 {
				return fmt.Errorf("no scripted response left")
			}
			lines := s.responses[0]
			s.responses = s.responses[1:]
			for _, line := range lines {
				if err := emit([]byte(line)); err != nil {
					return err
				}
			}
			return nil

		default:
			return fmt.Errorf("unexpected command: %v", args)
		}
	}
}

func newTestCopilotSession(t *testing.T, script *cliScript) *CopilotSession {
	t.Helper()
	s := NewCopilotSession(Config{Kind: KindCopilot}, nil, nil)
	s.Client().SetTransport(script.transport())
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCopilotSessionLifecycle(t *testing.T) {
	script := &cliScript{}
	s := NewCopilotSession(Config{Kind: KindCopilot}, nil, nil)
	s.Client().SetTransport(script.transport())

	if s.IsReady() {
		t.Error("ready before Initialize")
	}
	if _, err := s.SendMessage(context.Background(), "hi"); err == nil {
		t.Error("send before Initialize must fail")
	}

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.IsReady() {
		t.Error("not ready after Initialize")
	}
	if script.creates != 1 {
		t.Errorf("conversation creates: got %d, want 1", script.creates)
	}

	if err := s.Destroy(); err != nil {
		t.Fatal(err)
	}
	if s.IsReady() {
		t.Error("ready after Destroy")
	}
	if _, err := s.SendMessage(context.Background(), "hi"); !errors.Is(err, model.ErrSessionDestroyed) {
		t.Errorf("send after Destroy: got %v, want ErrSessionDestroyed", err)
	}
	if err := s.Initialize(context.Background()); !errors.Is(err, model.ErrSessionDestroyed) {
		t.Errorf("Initialize after Destroy: got %v, want ErrSessionDestroyed", err)
	}
}

func TestCopilotSessionStreaming(t *testing.T) {
	script := &cliScript{
		responses: [][]string{{
			`{"type":"content_delta","text":"Hel"}`,
			`{"type":"content_delta","text":"lo"}`,
			`{"type":"message","content":"Hello"}`,
			`{"type":"done"}`,
		}},
	}
	s := newTestCopilotSession(t, script)

	var deltas []string
	var completions []string
	err := s.SendMessageStreaming(context.Background(), "greet me", model.StreamHandlers{
		OnDelta:    func(text string) { deltas = append(deltas, text) },
		OnComplete: func(full string) { completions = append(completions, full) },
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := strings.Join(deltas, ""); got != "Hello" {
		t.Errorf("deltas: got %q", got)
	}
	if len(completions) != 1 || completions[0] != "Hello" {
		t.Errorf("completions: got %v", completions)
	}

	messages := s.Messages()
	if len(messages) != 2 {
		t.Fatalf("history length: got %d, want 2", len(messages))
	}
	if messages[0].Role != model.RoleUser || messages[0].Content != "greet me" {
		t.Errorf("history[0]: %+v", messages[0])
	}
	if messages[1].Role != model.RoleAssistant || messages[1].Content != "Hello" {
		t.Errorf("history[1]: %+v", messages[1])
	}
	if !s.IsReady() {
		t.Error("not ready after completed send")
	}
}

func TestCopilotSessionToolRound(t *testing.T) {
	script := &cliScript{
		responses: [][]string{
			{
				`{"type":"tool_call_delta","index":0,"id":"call_1","name":"get_weather","arguments":"{\"location\":"}`,
				`{"type":"tool_call_delta","index":0,"arguments":"\"Oslo\"}"}`,
				`{"type":"done"}`,
			},
			{
				`{"type":"message","content":"Sunny in Oslo."}`,
				`{"type":"done"}`,
			},
		},
	}
	s := newTestCopilotSession(t, script)

	registry := tools.NewRegistry()
	registry.Register(tools.Definition{
		Name:        "get_weather",
		Description: "weather lookup",
		Schema:      mcptypes.ToolInputSchema{Type: "object"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]string{"forecast": "sunny"}, nil
		},
	})
	s.SetTools(registry)

	reply, err := s.SendMessage(context.Background(), "weather in Oslo?")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Sunny in Oslo." {
		t.Errorf("reply: got %q", reply)
	}

	if len(script.chats) != 2 {
		t.Fatalf("chat invocations: got %d, want 2", len(script.chats))
	}
	if script.chats[0] != "weather in Oslo?" {
		t.Errorf("first prompt: got %q", script.chats[0])
	}

	// second round carries the tool results payload, not the user prompt
	var payload struct {
		ToolResults []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"tool_results"`
	}
	if err := json.Unmarshal([]byte(script.chats[1]), &payload); err != nil {
		t.Fatalf("second prompt is not a tool results payload: %q", script.chats[1])
	}
	if len(payload.ToolResults) != 1 {
		t.Fatalf("tool results: got %d, want 1", len(payload.ToolResults))
	}
	if !strings.Contains(payload.ToolResults[0].Content, "sunny") {
		t.Errorf("tool result content: got %q", payload.ToolResults[0].Content)
	}
}

func TestCopilotSessionAbortResolvesPartial(t *testing.T) {
	firstDelta := make(chan struct{})

	s := NewCopilotSession(Config{Kind: KindCopilot}, nil, nil)
	s.Client().SetTransport(func(ctx context.Context, args []string, emit func([]byte) error) error {
		if args[0] == "conversation" {
			return emit([]byte(`{"conversation_id":"conv-1"}`))
		}
		if err := emit([]byte(`{"type":"content_delta","text":"partial answer"}`)); err != nil {
			return err
		}
		close(firstDelta)
		<-ctx.Done()
		return ctx.Err()
	})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	type result struct {
		content string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		content, err := s.SendMessage(context.Background(), "never finishes")
		done <- result{content, err}
	}()

	<-firstDelta
	s.Abort()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("aborted send returned error: %v", res.err)
		}
		if res.content != "partial answer" {
			t.Errorf("content: got %q, want partial content", res.content)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("aborted send did not resolve")
	}

	if !s.IsReady() {
		t.Error("not ready after abort")
	}
}

func TestCopilotSessionStaleRecreation(t *testing.T) {
	script := &cliScript{
		responses: [][]string{
			{`{"type":"message","content":"first"}`, `{"type":"done"}`},
			{`{"type":"message","content":"second"}`, `{"type":"done"}`},
		},
	}
	s := newTestCopilotSession(t, script)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.idle.now = func() time.Time { return clock.now }
	s.idle.Touch()

	var reconnects int
	s.idle.OnReconnect = func() { reconnects++ }

	if _, err := s.SendMessage(context.Background(), "one"); err != nil {
		t.Fatal(err)
	}
	if script.creates != 1 {
		t.Fatalf("creates after fresh send: got %d, want 1", script.creates)
	}

	// idle past the threshold: the next send must recreate exactly once
	// and keep local history
	clock.advance(26 * time.Minute)

	if _, err := s.SendMessage(context.Background(), "two"); err != nil {
		t.Fatal(err)
	}
	if script.creates != 2 {
		t.Errorf("creates after stale send: got %d, want 2", script.creates)
	}
	if reconnects != 1 {
		t.Errorf("reconnect callbacks: got %d, want 1", reconnects)
	}
	if got := len(s.Messages()); got != 4 {
		t.Errorf("history length after recreation: got %d, want 4", got)
	}
}

func TestCopilotSessionInitializeFailureRecovers(t *testing.T) {
	var fail bool
	s := NewCopilotSession(Config{Kind: KindCopilot}, nil, nil)
	s.Client().SetTransport(func(ctx context.Context, args []string, emit func([]byte) error) error {
		if fail {
			return fmt.Errorf("backend down")
		}
		return emit([]byte(`{"conversation_id":"conv-1"}`))
	})

	fail = true
	err := s.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected Initialize to fail")
	}
	var initErr *model.InitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("err type: got %T, want *model.InitializationError", err)
	}
	if s.IsReady() {
		t.Error("ready after failed Initialize")
	}

	// a failed Initialize leaves the session retryable
	fail = false
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("retry after failed Initialize: %v", err)
	}
	if !s.IsReady() {
		t.Error("not ready after successful retry")
	}
}
