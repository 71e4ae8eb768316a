// Package copilot wraps the copilot CLI binary, the stateful chat backend.
//
// Unlike the HTTP providers, the CLI keeps conversation state on its side:
// the client binds to one remote conversation at a time and each send only
// carries the new prompt, not the whole history. The binary emits newline-
// delimited JSON events on stdout which this package decodes into Event
// values for the provider layer to assemble.
//
// A Client is exclusively owned by one session. Start/Stop bound its
// lifecycle; there is no shared global process state.
package copilot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
)

// DefaultBinary is the copilot CLI binary name resolved on PATH when no
// explicit path is configured.
const DefaultBinary = "copilot"

// EventKind identifies a decoded CLI event.
type EventKind int

const (
	// EventContentDelta carries a text fragment of the assistant response.
	EventContentDelta EventKind = iota
	// EventToolCallDelta carries a fragment of a tool call: a stream index
	// plus optional id, name, and argument text.
	EventToolCallDelta
	// EventMessage carries a consolidated content string the CLI re-emits
	// periodically alongside deltas.
	EventMessage
	// EventTurnComplete terminates one model turn.
	EventTurnComplete
	// EventError carries a backend-reported failure.
	EventError
)

// Event is one decoded line of CLI output.
type Event struct {
	Kind      EventKind
	Text      string // content delta or consolidated message
	Index     int    // tool call stream index
	ToolID    string
	ToolName  string
	ArgsDelta string // tool argument fragment
	Err       error
}

// Transport executes the CLI with args, feeding each stdout line to emit.
// The default transport spawns the binary; tests script the wire instead.
type Transport func(ctx context.Context, args []string, emit func(line []byte) error) error

// Client is the owned handle to the copilot CLI for one session.
type Client struct {
	binPath string
	model   string

	mu             sync.Mutex
	started        bool
	conversationID string
	systemPrompt   string
	inflight       context.CancelFunc

	run       Transport
	customRun bool
}

// NewClient creates a client for the given binary path and model. An empty
// binPath resolves the default binary on PATH.
func NewClient(binPath, model string) *Client {
	if binPath == "" {
		binPath = DefaultBinary
	}
	c := &Client{
		binPath: binPath,
		model:   model,
	}
	c.run = c.runBinary
	return c
}

// SetTransport replaces the CLI transport. With a custom transport no
// binary is required; Start skips PATH resolution.
func (c *Client) SetTransport(t Transport) {
	c.mu.Lock()
	c.run = t
	c.customRun = true
	c.mu.Unlock()
}

// Start verifies the binary is available. It must be called before any other
// operation.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	custom := c.customRun
	c.mu.Unlock()
	if !custom {
		if _, err := exec.LookPath(c.binPath); err != nil {
			return fmt.Errorf("copilot binary not found at %q: %w", c.binPath, err)
		}
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

// Stop cancels any in-flight request and releases the handle.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != nil {
		c.inflight()
		c.inflight = nil
	}
	c.started = false
	c.conversationID = ""
}

// SetSystemPrompt sets the system prompt passed on subsequent sends.
func (c *Client) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	c.systemPrompt = prompt
	c.mu.Unlock()
}

// ConversationID returns the currently active remote conversation id, or ""
// if none is bound.
func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// CreateConversation starts a fresh remote conversation, hinting the given
// local id when non-empty, and binds the client to it.
func (c *Client) CreateConversation(ctx context.Context, hintID string) (string, error) {
	if err := c.requireStarted(); err != nil {
		return "", err
	}

	args := []string{"conversation", "new", "--output-format", "json"}
	if hintID != "" {
		args = append(args, "--id-hint", hintID)
	}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}

	var created string
	err := c.run(ctx, args, func(line []byte) error {
		var resp struct {
			ConversationID string `json:"conversation_id"`
		}
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil // skip non-JSON noise
		}
		if resp.ConversationID != "" {
			created = resp.ConversationID
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	if created == "" {
		return "", fmt.Errorf("create conversation: CLI returned no conversation id")
	}

	c.mu.Lock()
	c.conversationID = created
	c.mu.Unlock()
	return created, nil
}

// ResumeConversation rebinds the client to an existing remote conversation.
// Fails if the backend no longer knows the id (expired or evicted).
func (c *Client) ResumeConversation(ctx context.Context, id string) error {
	if err := c.requireStarted(); err != nil {
		return err
	}

	args := []string{"conversation", "resume", id, "--output-format", "json"}
	var resumed bool
	err := c.run(ctx, args, func(line []byte) error {
		var resp struct {
			ConversationID string `json:"conversation_id"`
			Status         string `json:"status"`
		}
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil
		}
		if resp.Status == "ok" || resp.ConversationID == id {
			resumed = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resume conversation %s: %w", id, err)
	}
	if !resumed {
		return fmt.Errorf("resume conversation %s: not found", id)
	}

	c.mu.Lock()
	c.conversationID = id
	c.mu.Unlock()
	return nil
}

// DiscardConversation drops the client's binding to its current remote
// conversation without touching backend state.
func (c *Client) DiscardConversation() {
	c.mu.Lock()
	c.conversationID = ""
	c.mu.Unlock()
}

// Send issues a prompt on the bound conversation and streams decoded events
// on the returned channel. The channel closes when the turn completes, the
// context is cancelled, or the CLI exits. Exactly one goroutine services it.
func (c *Client) Send(ctx context.Context, prompt string, toolsJSON string) (<-chan Event, error) {
	if err := c.requireStarted(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	conversation := c.conversationID
	systemPrompt := c.systemPrompt
	c.mu.Unlock()
	if conversation == "" {
		return nil, fmt.Errorf("no conversation bound; create or resume first")
	}

	args := []string{
		"chat",
		"--output-format", "stream-json",
		"--resume", conversation,
		"--max-turns", "1", // the provider layer owns the tool loop
	}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	if systemPrompt != "" {
		args = append(args, "--system-prompt", systemPrompt)
	}
	if toolsJSON != "" {
		args = append(args, "--tools-json", toolsJSON)
	}
	args = append(args, "--", prompt)

	sendCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.inflight = cancel
	c.mu.Unlock()

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer func() {
			c.mu.Lock()
			if c.inflight != nil {
				c.inflight()
				c.inflight = nil
			}
			c.mu.Unlock()
		}()

		err := c.run(sendCtx, args, func(line []byte) error {
			ev, ok := parseEvent(line)
			if !ok {
				return nil
			}
			select {
			case events <- ev:
				return nil
			case <-sendCtx.Done():
				return sendCtx.Err()
			}
		})
		if err != nil && sendCtx.Err() == nil {
			events <- Event{Kind: EventError, Err: err}
		}
	}()

	return events, nil
}

// Abort cancels the in-flight request, if any.
func (c *Client) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != nil {
		c.inflight()
		c.inflight = nil
	}
}

func (c *Client) requireStarted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return fmt.Errorf("copilot client not started")
	}
	return nil
}

// runBinary is the real CLI transport: spawn, scan stdout lines, wait.
func (c *Client) runBinary(ctx context.Context, args []string, emit func(line []byte) error) error {
	cmd := exec.CommandContext(ctx, c.binPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.binPath, err)
	}

	scanner := bufio.NewScanner(stdout)
	// Consolidated message events can be large
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := emit(line); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return fmt.Errorf("read %s output: %w", c.binPath, err)
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s exited: %w", c.binPath, err)
	}
	return nil
}

// wire shapes emitted by the CLI in stream-json mode
type wireEvent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Content   string `json:"content,omitempty"`
	Index     int    `json:"index,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Error     string `json:"error,omitempty"`
}

// parseEvent decodes one stdout line. Unknown or malformed lines are skipped
// rather than failing the stream.
func parseEvent(line []byte) (Event, bool) {
	var we wireEvent
	if err := json.Unmarshal(line, &we); err != nil {
		return Event{}, false
	}

	switch we.Type {
	case "content_delta":
		return Event{Kind: EventContentDelta, Text: we.Text}, true
	case "tool_call_delta":
		return Event{
			Kind:      EventToolCallDelta,
			Index:     we.Index,
			ToolID:    we.ID,
			ToolName:  we.Name,
			ArgsDelta: we.Arguments,
		}, true
	case "message":
		return Event{Kind: EventMessage, Text: we.Content}, true
	case "done":
		return Event{Kind: EventTurnComplete}, true
	case "error":
		return Event{Kind: EventError, Err: fmt.Errorf("copilot CLI: %s", we.Error)}, true
	default:
		return Event{}, false
	}
}
