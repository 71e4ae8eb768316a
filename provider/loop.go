package provider

import (
	"context"
	"fmt"

	"vaultpilot/config"
	"vaultpilot/model"
	"vaultpilot/tools"
)

// ModelTurn is one assistant turn: the text produced so far plus any tool
// calls the model requested. An empty ToolCalls slice ends the loop.
type ModelTurn struct {
	Content   string
	ToolCalls []model.ToolCall
}

// TurnFunc asks the backing model for one turn given the accumulated
// conversation. Implementations send history plus any tool-result messages
// appended since the previous turn.
type TurnFunc func(ctx context.Context, history []model.Message) (ModelTurn, error)

// ToolExecutionLoop drives the request/tool-call/tool-result cycle until the
// model produces a turn with no tool calls or the round cap is reached.
//
// Tool failures never abort the loop. An unknown tool name or a handler
// error is serialized as a structured error result and handed back to the
// model, which decides how to proceed.
type ToolExecutionLoop struct {
	Registry  *tools.Registry
	MaxRounds int

	// OnToolCall, when set, is invoked before each tool executes. Used by
	// sessions to surface tool activity to the caller.
	OnToolCall func(call model.ToolCall)
}

// NewToolExecutionLoop creates a loop over the given registry. A
// non-positive maxRounds falls back to DefaultMaxToolRounds.
func NewToolExecutionLoop(registry *tools.Registry, maxRounds int) *ToolExecutionLoop {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}
	return &ToolExecutionLoop{Registry: registry, MaxRounds: maxRounds}
}

// Run executes turns until the model stops calling tools. It returns the
// content of the final turn and every message appended during the loop
// (assistant turns and tool results), which the caller folds into history.
//
// When the round cap is reached the content of the last turn is returned
// as-is; pending tool calls from that turn are not executed.
func (l *ToolExecutionLoop) Run(ctx context.Context, history []model.Message, turn TurnFunc) (string, []model.Message, error) {
	var appended []model.Message
	working := make([]model.Message, len(history))
	copy(working, history)

	var content string
	for round := 0; round < l.MaxRounds; round++ {
		result, err := turn(ctx, working)
		if err != nil {
			return "", appended, err
		}
		content = result.Content

		if len(result.ToolCalls) == 0 {
			return content, appended, nil
		}
		if round == l.MaxRounds-1 {
			config.DebugLog.Printf("tool loop: round cap %d reached with %d pending calls", l.MaxRounds, len(result.ToolCalls))
			return content, appended, nil
		}

		for _, call := range result.ToolCalls {
			if l.OnToolCall != nil {
				l.OnToolCall(call)
			}
			output := l.execute(ctx, call)
			msg := model.Message{
				Role:       model.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
			}
			working = append(working, msg)
			appended = append(appended, msg)
		}
	}
	return content, appended, nil
}

// execute runs a single tool call, converting every failure mode into a
// structured result string.
func (l *ToolExecutionLoop) execute(ctx context.Context, call model.ToolCall) string {
	if l.Registry == nil {
		return toolErrorResult(fmt.Sprintf("Unknown tool: %s", call.Name))
	}
	def, ok := l.Registry.Get(call.Name)
	if !ok {
		config.DebugLog.Printf("tool loop: unknown tool %q", call.Name)
		return toolErrorResult(fmt.Sprintf("Unknown tool: %s", call.Name))
	}
	result, err := def.Handler(ctx, call.Arguments)
	if err != nil {
		config.DebugLog.Printf("tool loop: %s failed: %v", call.Name, err)
		return toolErrorResult(err.Error())
	}
	return serializeToolResult(result)
}

// maxContextDepth bounds how deeply sub-agent frames may nest.
const maxContextDepth = 3

// ContextStack manages isolated history frames for sub-agent delegation.
// Pushing a frame gives a delegated agent a fresh conversation that does not
// leak into the parent history; popping discards it.
type ContextStack struct {
	frames [][]model.Message
}

// Push opens a new isolated frame seeded with the given messages.
func (s *ContextStack) Push(seed []model.Message) error {
	if len(s.frames) >= maxContextDepth {
		return fmt.Errorf("context stack: depth limit %d reached", maxContextDepth)
	}
	frame := make([]model.Message, len(seed))
	copy(frame, seed)
	s.frames = append(s.frames, frame)
	return nil
}

// Pop discards the top frame and returns its messages.
func (s *ContextStack) Pop() ([]model.Message, bool) {
	if len(s.frames) == 0 {
		return nil, false
	}
	top := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return top, true
}

// Active returns the top frame, or nil when no frame is open and the
// session's own history applies.
func (s *ContextStack) Active() []model.Message {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// Append adds a message to the top frame.
func (s *ContextStack) Append(msg model.Message) {
	if len(s.frames) == 0 {
		return
	}
	s.frames[len(s.frames)-1] = append(s.frames[len(s.frames)-1], msg)
}

// Depth reports how many frames are open.
func (s *ContextStack) Depth() int {
	return len(s.frames)
}
