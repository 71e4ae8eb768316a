package model

import "time"

// Message roles. User and assistant messages make up the visible history;
// system and tool roles only appear on the provider wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Channels that may originate a message on a shared session.
const (
	ChannelUI  = "ui"
	ChannelBot = "bot"
)

// Input modalities for user messages.
const (
	ModalityText  = "text"
	ModalityVoice = "voice"
)

// Message represents a chat message in the conversation.
// History is append-only and chronological; messages are never reordered
// or mutated in place.
type Message struct {
	Role       string
	Content    string
	Timestamp  time.Time
	Channel    string // originating channel ("ui" or "bot")
	Modality   string // input modality for user messages, empty otherwise
	ToolCallID string // id of the call a tool-result message answers
}

// NewUserMessage creates a user message stamped with the current time.
func NewUserMessage(content, channel string) Message {
	return Message{
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
		Channel:   channel,
		Modality:  ModalityText,
	}
}

// NewAssistantMessage creates an assistant message stamped with the current time.
func NewAssistantMessage(content string) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	}
}
