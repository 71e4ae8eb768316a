package tools

import (
	"context"
	"testing"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

func noopHandler(ctx context.Context, args map[string]any) (any, error) {
	return nil, nil
}

func def(name string) Definition {
	return Definition{
		Name:        name,
		Description: "test tool " + name,
		Schema: mcptypes.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"path": map[string]any{"type": "string"},
			},
			Required: []string{"path"},
		},
		Handler: noopHandler,
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(Definition{Handler: noopHandler}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Register(Definition{Name: "no_handler"}); err == nil {
		t.Error("expected error for nil handler")
	}
	if r.Len() != 0 {
		t.Errorf("Len after rejected registrations: got %d, want 0", r.Len())
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(def("read_note")); err != nil {
		t.Fatal(err)
	}

	got, ok := r.Get("read_note")
	if !ok {
		t.Fatal("Get: tool not found")
	}
	if got.Description != "test tool read_note" {
		t.Errorf("description: got %q", got.Description)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Get: found a tool that was never registered")
	}
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	names := []string{"zeta", "alpha", "mid"}
	for _, name := range names {
		if err := r.Register(def(name)); err != nil {
			t.Fatal(err)
		}
	}

	defs := r.List()
	if len(defs) != len(names) {
		t.Fatalf("List length: got %d, want %d", len(defs), len(names))
	}
	for i, name := range names {
		if defs[i].Name != name {
			t.Errorf("List[%d]: got %q, want %q", i, defs[i].Name, name)
		}
	}
}

func TestDuplicateNameReplaces(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(def("search")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(def("other")); err != nil {
		t.Fatal(err)
	}

	replacement := def("search")
	replacement.Description = "replaced"
	if err := r.Register(replacement); err != nil {
		t.Fatal(err)
	}

	if r.Len() != 2 {
		t.Errorf("Len: got %d, want 2", r.Len())
	}
	got, _ := r.Get("search")
	if got.Description != "replaced" {
		t.Errorf("description after replace: got %q", got.Description)
	}
	// Replacement keeps the original position.
	if defs := r.List(); defs[0].Name != "search" || defs[1].Name != "other" {
		t.Errorf("order after replace: got %q, %q", defs[0].Name, defs[1].Name)
	}
}

func TestMCPTools(t *testing.T) {
	r := NewRegistry()
	if r.MCPTools() != nil {
		t.Error("MCPTools on empty registry: want nil")
	}

	if err := r.Register(def("read_note")); err != nil {
		t.Fatal(err)
	}
	mcpTools := r.MCPTools()
	if len(mcpTools) != 1 {
		t.Fatalf("MCPTools length: got %d", len(mcpTools))
	}
	if mcpTools[0].Name != "read_note" {
		t.Errorf("name: got %q", mcpTools[0].Name)
	}
	if mcpTools[0].InputSchema.Type != "object" {
		t.Errorf("schema type: got %q", mcpTools[0].InputSchema.Type)
	}
}

func TestConvertToOpenAIFormat(t *testing.T) {
	if got := ConvertToOpenAIFormat(nil); got != nil {
		t.Error("nil defs: want nil")
	}

	converted := ConvertToOpenAIFormat([]Definition{def("read_note")})
	if len(converted) != 1 {
		t.Fatalf("length: got %d", len(converted))
	}
	if converted[0].OfFunction == nil {
		t.Fatal("expected a function tool")
	}
	fn := converted[0].OfFunction.Function
	if fn.Name != "read_note" {
		t.Errorf("name: got %q", fn.Name)
	}
	if fn.Parameters["type"] != "object" {
		t.Errorf("parameters type: got %v", fn.Parameters["type"])
	}
	required, ok := fn.Parameters["required"].([]string)
	if !ok || len(required) != 1 || required[0] != "path" {
		t.Errorf("required: got %v", fn.Parameters["required"])
	}
}

func TestConvertToAnthropicFormat(t *testing.T) {
	if got := ConvertToAnthropicFormat(nil); got != nil {
		t.Error("nil defs: want nil")
	}

	converted := ConvertToAnthropicFormat([]Definition{def("read_note")})
	if len(converted) != 1 {
		t.Fatalf("length: got %d", len(converted))
	}
	tool := converted[0].OfTool
	if tool == nil {
		t.Fatal("expected a plain tool param")
	}
	if tool.Name != "read_note" {
		t.Errorf("name: got %q", tool.Name)
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "path" {
		t.Errorf("required: got %v", tool.InputSchema.Required)
	}
	if tool.Description.Value != "test tool read_note" {
		t.Errorf("description: got %q", tool.Description.Value)
	}
}

func TestSchemaFromMCP(t *testing.T) {
	mcpTool := mcptypes.Tool{
		Name:        "list_files",
		Description: "List files",
		InputSchema: mcptypes.ToolInputSchema{Type: "object"},
	}
	d := SchemaFromMCP(mcpTool, noopHandler)
	if d.Name != "list_files" || d.Description != "List files" {
		t.Errorf("definition: got %+v", d)
	}
	if d.Handler == nil {
		t.Error("handler not carried over")
	}
}
