// Package reconcile applies server push events to the conversation store
// without disturbing locally originated state.
package reconcile

import (
	"errors"
	"log"
	"sync"

	"chatsync/internal/debug"
	"chatsync/internal/models"
	"chatsync/internal/store"
)

// Outcome describes what an event did to local state.
type Outcome string

const (
	Applied  Outcome = "applied"
	Ignored  Outcome = "ignored"
	Rejected Outcome = "rejected"
)

// SessionTracker knows which message each conversation is streaming locally.
type SessionTracker interface {
	// ReleaseStream ends local tracking of messageID without finalizing it again.
	ReleaseStream(conversationID, messageID string) bool
}

// Observer is notified of every handled event.
type Observer interface {
	EventHandled(eventType string, outcome string)
}

type Engine struct {
	store *store.Store

	mu       sync.RWMutex
	tracker  SessionTracker
	observer Observer
}

func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// BindSessions attaches the local session tracker. The orchestrator binds
// itself here once constructed.
func (e *Engine) BindSessions(t SessionTracker) {
	e.mu.Lock()
	e.tracker = t
	e.mu.Unlock()
}

func (e *Engine) SetObserver(o Observer) {
	e.mu.Lock()
	e.observer = o
	e.mu.Unlock()
}

// Handle applies one event. Events for unknown conversations or messages are
// ignored; nothing is ever reordered or removed here.
func (e *Engine) Handle(ev models.ChatEvent) Outcome {
	outcome := e.apply(ev)
	e.mu.RLock()
	obs := e.observer
	e.mu.RUnlock()
	if obs != nil {
		obs.EventHandled(string(ev.Type), string(outcome))
	}
	debug.Logf("reconcile %s conv=%s msg=%s -> %s", ev.Type, ev.ConversationID, ev.MessageID, outcome)
	return outcome
}

func (e *Engine) apply(ev models.ChatEvent) Outcome {
	if err := ev.Validate(); err != nil {
		log.Printf("reconcile rejected event: %v", err)
		return Rejected
	}
	if !e.store.Has(ev.ConversationID) {
		return Ignored
	}
	switch ev.Type {
	case models.EventMessageAdded:
		added, err := e.store.AppendIfAbsent(ev.ConversationID, models.Message{
			ID:      ev.MessageID,
			Role:    ev.Role,
			Content: ev.Content,
		})
		return outcomeOf(added, err)
	case models.EventMessageUpdated:
		_, err := e.store.Update(ev.ConversationID, ev.MessageID, func(m *models.Message) {
			m.Content = ev.Content
		})
		return outcomeOf(true, err)
	case models.EventStreamStarted:
		_, err := e.store.Update(ev.ConversationID, ev.MessageID, func(m *models.Message) {
			m.Streaming = true
		})
		return outcomeOf(true, err)
	case models.EventStreamEnded:
		_, err := e.store.Update(ev.ConversationID, ev.MessageID, func(m *models.Message) {
			m.Streaming = false
		})
		// the local session may still be running even if the update raced a delete
		e.mu.RLock()
		tracker := e.tracker
		e.mu.RUnlock()
		if tracker != nil {
			tracker.ReleaseStream(ev.ConversationID, ev.MessageID)
		}
		return outcomeOf(true, err)
	}
	return Rejected
}

func outcomeOf(changed bool, err error) Outcome {
	switch {
	case err == nil && changed:
		return Applied
	case err == nil, errors.Is(err, store.ErrMessageNotFound), errors.Is(err, store.ErrConversationNotFound):
		return Ignored
	}
	log.Printf("reconcile apply failed: %v", err)
	return Rejected
}
