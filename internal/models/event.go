package models

import (
	"errors"
	"fmt"
)

// EventType enumerates the push notifications understood by the reconciler.
type EventType string

const (
	EventMessageAdded   EventType = "messageAdded"
	EventMessageUpdated EventType = "messageUpdated"
	EventStreamStarted  EventType = "streamStarted"
	EventStreamEnded    EventType = "streamEnded"
)

// ChatEvent is the wire form of a push notification scoped to one conversation.
type ChatEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"id"`
	Role           Role      `json:"role,omitempty"`
	Content        string    `json:"content,omitempty"`
}

var ErrInvalidEvent = errors.New("invalid chat event")

// Validate checks the fields required by the event type.
func (e ChatEvent) Validate() error {
	if e.ConversationID == "" || e.MessageID == "" {
		return fmt.Errorf("%w: missing conversation or message id", ErrInvalidEvent)
	}
	switch e.Type {
	case EventMessageAdded:
		if !e.Role.Valid() {
			return fmt.Errorf("%w: role %q", ErrInvalidEvent, e.Role)
		}
	case EventMessageUpdated, EventStreamStarted, EventStreamEnded:
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}
