package provider

import (
	"reflect"
	"strings"
	"testing"
)

func TestStreamAssemblerContentDeltas(t *testing.T) {
	var deltas []string
	asm := NewStreamAssembler(func(text string) {
		deltas = append(deltas, text)
	}, nil)

	asm.AddContentDelta("Hello")
	asm.AddContentDelta(", ")
	asm.AddContentDelta("world")
	asm.AddContentDelta("")

	if got := asm.Content(); got != "Hello, world" {
		t.Errorf("Content: got %q, want %q", got, "Hello, world")
	}
	if len(deltas) != 3 {
		t.Errorf("OnDelta fired %d times, want 3 (empty delta must not fire)", len(deltas))
	}
}

func TestStreamAssemblerExplicitMessagePrecedence(t *testing.T) {
	tests := []struct {
		name     string
		deltas   []string
		explicit string
		want     string
	}{
		{
			name:     "longer explicit message wins",
			deltas:   []string{"Hel", "lo"},
			explicit: "Hello there",
			want:     "Hello there",
		},
		{
			name:     "equal length explicit wins",
			deltas:   []string{"abc"},
			explicit: "xyz",
			want:     "xyz",
		},
		{
			name:     "shorter explicit loses to delta buffer",
			deltas:   []string{"a longer accumulated answer"},
			explicit: "short",
			want:     "a longer accumulated answer",
		},
		{
			name:     "explicit only",
			explicit: "consolidated",
			want:     "consolidated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asm := NewStreamAssembler(nil, nil)
			for _, d := range tt.deltas {
				asm.AddContentDelta(d)
			}
			asm.AddMessage(tt.explicit)

			if got := asm.Content(); got != tt.want {
				t.Errorf("Content: got %q, want %q", got, tt.want)
			}
			content, _ := asm.Finalize()
			if content != tt.want {
				t.Errorf("Finalize content: got %q, want %q", content, tt.want)
			}
		})
	}
}

func TestStreamAssemblerOnCompleteDeduplication(t *testing.T) {
	var completions []string
	asm := NewStreamAssembler(nil, func(fullText string) {
		completions = append(completions, fullText)
	})

	asm.AddMessage("partial answer")
	asm.AddMessage("partial answer") // repeat must not re-fire
	asm.AddMessage("the full final answer")
	asm.Finalize()

	want := []string{"partial answer", "the full final answer"}
	if !reflect.DeepEqual(completions, want) {
		t.Errorf("OnComplete values: got %v, want %v", completions, want)
	}
}

func TestStreamAssemblerSingleConsolidatedMessage(t *testing.T) {
	var deltaCount int
	var completions []string
	asm := NewStreamAssembler(func(string) {
		deltaCount++
	}, func(fullText string) {
		completions = append(completions, fullText)
	})

	// Some backends skip deltas entirely and emit one message event.
	asm.AddMessage("entire response at once")
	content, calls := asm.Finalize()

	if content != "entire response at once" {
		t.Errorf("content: got %q", content)
	}
	if deltaCount != 0 {
		t.Errorf("OnDelta fired %d times, want 0", deltaCount)
	}
	if len(completions) != 1 {
		t.Errorf("OnComplete fired %d times, want 1", len(completions))
	}
	if calls != nil {
		t.Errorf("expected no tool calls, got %v", calls)
	}
}

func TestStreamAssemblerToolCallAccumulation(t *testing.T) {
	asm := NewStreamAssembler(nil, nil)

	// Interleaved fragments for two calls; id and name arrive on the first
	// fragment only, arguments accumulate across fragments.
	asm.AddToolCallDelta(1, "call_b", "write_file", `{"path":`)
	asm.AddToolCallDelta(0, "call_a", "read_file", `{"path":"a.txt"`)
	asm.AddToolCallDelta(1, "", "", `"b.txt"}`)
	asm.AddToolCallDelta(0, "", "ignored-late-name", `}`)

	if !asm.HasToolCalls() {
		t.Fatal("HasToolCalls: got false, want true")
	}

	_, calls := asm.Finalize()
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}

	// Stream-index order, not arrival order.
	if calls[0].ID != "call_a" || calls[0].Name != "read_file" {
		t.Errorf("call 0: got id=%q name=%q", calls[0].ID, calls[0].Name)
	}
	if calls[1].ID != "call_b" || calls[1].Name != "write_file" {
		t.Errorf("call 1: got id=%q name=%q", calls[1].ID, calls[1].Name)
	}
	if path, _ := calls[0].Arguments["path"].(string); path != "a.txt" {
		t.Errorf("call 0 path: got %q, want %q", path, "a.txt")
	}
	if path, _ := calls[1].Arguments["path"].(string); path != "b.txt" {
		t.Errorf("call 1 path: got %q, want %q", path, "b.txt")
	}
}

func TestStreamAssemblerGeneratesMissingCallID(t *testing.T) {
	asm := NewStreamAssembler(nil, nil)
	asm.AddToolCallDelta(0, "", "no_id_tool", `{}`)

	_, calls := asm.Finalize()
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if !strings.HasPrefix(calls[0].ID, "call_") || len(calls[0].ID) <= len("call_") {
		t.Errorf("generated id: got %q", calls[0].ID)
	}
}

func TestStreamAssemblerMalformedToolArguments(t *testing.T) {
	asm := NewStreamAssembler(nil, nil)
	asm.AddToolCallDelta(0, "call_x", "broken_tool", `{"oops": truncat`)

	_, calls := asm.Finalize()
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].Arguments == nil {
		t.Fatal("arguments: got nil, want empty map")
	}
	if len(calls[0].Arguments) != 0 {
		t.Errorf("arguments: got %v, want empty map", calls[0].Arguments)
	}
}
