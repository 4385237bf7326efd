package models

import "time"

// Role identifies who authored a message. Error messages are local-only and
// never sent back to the backend as conversation history.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleError:
		return true
	}
	return false
}

// Usage mirrors the token accounting reported by the completion backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
}

type MessageMetadata struct {
	Model string `json:"model,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
}

// Message is a single entry in a conversation. Content may grow while
// Streaming is true and is final once it is false.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Seq            uint64           `json:"seq"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	Streaming      bool             `json:"streaming"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
	Resources      []string         `json:"resources,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (m Message) Clone() Message {
	out := m
	if m.Metadata != nil {
		meta := *m.Metadata
		if m.Metadata.Usage != nil {
			usage := *m.Metadata.Usage
			meta.Usage = &usage
		}
		out.Metadata = &meta
	}
	if m.Resources != nil {
		out.Resources = append([]string(nil), m.Resources...)
	}
	return out
}
