package models

import "time"

// ConversationMetadata carries per-conversation completion settings.
type ConversationMetadata struct {
	Title        string `json:"title,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Conversation groups an ordered sequence of messages.
type Conversation struct {
	ID        string               `json:"id"`
	Messages  []Message            `json:"messages"`
	Metadata  ConversationMetadata `json:"metadata"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}
