package model

// ToolCall is a finalized tool invocation requested by the model.
// IDs are unique within the turn that produced them; backends that do not
// emit ids get one synthesized before execution.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}
