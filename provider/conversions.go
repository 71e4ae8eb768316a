package provider

import (
	"encoding/json"

	"vaultpilot/model"
	"vaultpilot/storage"
)

// ParseToolArguments parses a JSON arguments string into a map. Malformed
// JSON degrades to an empty argument map rather than failing the call.
func ParseToolArguments(argsJSON string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil || args == nil {
		return make(map[string]any)
	}
	return args
}

// marshalArguments is the inverse of ParseToolArguments, used when a parsed
// call must be re-encoded for a wire format.
func marshalArguments(args map[string]any) (string, error) {
	if len(args) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// serializeToolResult renders a tool handler's return value as the string
// fed back to the model. Strings pass through; everything else is JSON.
func serializeToolResult(result any) string {
	if s, ok := result.(string); ok {
		return s
	}
	data, err := json.Marshal(result)
	if err != nil {
		return `{"error": "unserializable tool result"}`
	}
	return string(data)
}

// toolErrorResult builds the structured error payload the loop feeds back to
// the model when a call cannot be executed.
func toolErrorResult(message string) string {
	data, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return `{"error": "tool execution failed"}`
	}
	return string(data)
}

// ToStorageMessages converts model messages to their persisted form.
func ToStorageMessages(messages []model.Message) []storage.Message {
	result := make([]storage.Message, len(messages))
	for i, msg := range messages {
		result[i] = storage.Message{
			Role:       msg.Role,
			Content:    msg.Content,
			Channel:    msg.Channel,
			Modality:   msg.Modality,
			ToolCallID: msg.ToolCallID,
			Timestamp:  msg.Timestamp,
		}
	}
	return result
}

// FromStorageMessages converts persisted messages back to model messages.
func FromStorageMessages(messages []storage.Message) []model.Message {
	result := make([]model.Message, len(messages))
	for i, msg := range messages {
		result[i] = model.Message{
			Role:       msg.Role,
			Content:    msg.Content,
			Channel:    msg.Channel,
			Modality:   msg.Modality,
			ToolCallID: msg.ToolCallID,
			Timestamp:  msg.Timestamp,
		}
	}
	return result
}
