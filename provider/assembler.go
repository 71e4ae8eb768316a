package provider

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"vaultpilot/model"
)

// toolCallAccum collects the fragments of one in-flight tool call, keyed by
// its position in the stream.
type toolCallAccum struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// StreamAssembler turns an ordered sequence of streaming events into a
// finalized message plus zero or more fully-formed tool calls. It is a pure
// accumulator: feed events in arrival order, then Finalize once.
//
// Content arrives two ways. Deltas append to a running buffer. Some backends
// additionally re-emit a consolidated message mid-stream; on such an event
// the explicit content wins if it is at least as long as the accumulated
// deltas, otherwise the delta buffer stays authoritative.
//
// OnDelta fires per content fragment. OnComplete fires at most once per
// distinct consolidated value, so a backend that re-emits the same message
// does not cause redundant UI churn.
type StreamAssembler struct {
	OnDelta    func(text string)
	OnComplete func(fullText string)

	deltas   strings.Builder
	explicit string
	calls    map[int]*toolCallAccum

	lastCompleted string
	completedOnce bool
}

// NewStreamAssembler creates an assembler with optional callbacks.
func NewStreamAssembler(onDelta, onComplete func(string)) *StreamAssembler {
	return &StreamAssembler{
		OnDelta:    onDelta,
		OnComplete: onComplete,
		calls:      make(map[int]*toolCallAccum),
	}
}

// AddContentDelta appends a text fragment to the running buffer.
func (a *StreamAssembler) AddContentDelta(text string) {
	if text == "" {
		return
	}
	a.deltas.WriteString(text)
	if a.OnDelta != nil {
		a.OnDelta(text)
	}
}

// AddToolCallDelta merges one tool-call fragment. The id and name are set
// once-and-only-once: the first non-empty value wins. Argument text is
// concatenated across fragments.
func (a *StreamAssembler) AddToolCallDelta(index int, id, name, argsFragment string) {
	acc, ok := a.calls[index]
	if !ok {
		acc = &toolCallAccum{index: index}
		a.calls[index] = acc
	}
	if acc.id == "" && id != "" {
		acc.id = id
	}
	if acc.name == "" && name != "" {
		acc.name = name
	}
	if argsFragment != "" {
		acc.args.WriteString(argsFragment)
	}
}

// AddMessage records a consolidated content string. Fires OnComplete for the
// value the assembler currently considers authoritative, unless that value
// was already reported.
func (a *StreamAssembler) AddMessage(content string) {
	if len(content) >= a.deltas.Len() {
		a.explicit = content
	}
	a.fireComplete(a.Content())
}

// Content returns the currently authoritative content: the explicit message
// if one at least as long as the delta buffer arrived, the delta buffer
// otherwise.
func (a *StreamAssembler) Content() string {
	if len(a.explicit) >= a.deltas.Len() {
		return a.explicit
	}
	return a.deltas.String()
}

// HasToolCalls reports whether any tool-call accumulator is non-empty.
func (a *StreamAssembler) HasToolCalls() bool {
	return len(a.calls) > 0
}

// Finalize closes the turn. If any tool-call accumulator is non-empty the
// turn's tool calls are returned in stream-index order; the final content is
// returned either way and reported through OnComplete exactly once per
// distinct value.
func (a *StreamAssembler) Finalize() (string, []model.ToolCall) {
	content := a.Content()
	a.fireComplete(content)

	if len(a.calls) == 0 {
		return content, nil
	}

	indices := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	toolCalls := make([]model.ToolCall, 0, len(a.calls))
	for _, idx := range indices {
		acc := a.calls[idx]
		id := acc.id
		if id == "" {
			// some backends stream tool calls without ids; results still
			// need one to pair with
			id = "call_" + uuid.New().String()
		}
		toolCalls = append(toolCalls, model.ToolCall{
			ID:        id,
			Name:      acc.name,
			Arguments: ParseToolArguments(acc.args.String()),
		})
	}

	return content, toolCalls
}

func (a *StreamAssembler) fireComplete(content string) {
	if a.OnComplete == nil {
		return
	}
	if a.completedOnce && content == a.lastCompleted {
		return
	}
	a.lastCompleted = content
	a.completedOnce = true
	a.OnComplete(content)
}
