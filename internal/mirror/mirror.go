// Package mirror keeps a Redis copy of every conversation so other bridge
// processes can warm-start from it, and announces changes over pub/sub.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"chatsync/internal/debounce"
	"chatsync/internal/debug"
	"chatsync/internal/models"
	"chatsync/internal/redis"
	"chatsync/internal/store"

	"github.com/google/uuid"
)

const (
	invalidateChannel = "chatsync:invalidate"
	keyPrefix         = "chatsync:conversation:"
	defaultTTL        = 30 * time.Minute
	defaultDelay      = 500 * time.Millisecond
	writeTimeout      = 3 * time.Second
)

var (
	ErrNotMirrored = errors.New("conversation not mirrored")
	ErrBusy        = errors.New("conversation changed locally")
)

// Invalidation announces that a mirrored conversation changed.
type Invalidation struct {
	ConversationID string `json:"conversation_id"`
	Source         string `json:"source"`
	Removed        bool   `json:"removed,omitempty"`
}

type Mirror struct {
	client    *redis.Client
	store     *store.Store
	ttl       time.Duration
	source    string
	debouncer *debounce.Debouncer

	mu       sync.Mutex
	suppress map[string]int
}

// New creates a mirror of st. Writes for one conversation are coalesced over
// delay; zero values pick defaults.
func New(client *redis.Client, st *store.Store, ttl, delay time.Duration) *Mirror {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if delay <= 0 {
		delay = defaultDelay
	}
	m := &Mirror{
		client:   client,
		store:    st,
		ttl:      ttl,
		source:   uuid.NewString(),
		suppress: make(map[string]int),
	}
	m.debouncer = debounce.New(delay, m.flush)
	return m
}

// Attach starts mirroring every store change.
func (m *Mirror) Attach() {
	m.store.OnChange(m.schedule)
}

func (m *Mirror) schedule(conversationID string) {
	m.mu.Lock()
	skip := m.suppress[conversationID] > 0
	m.mu.Unlock()
	if !skip {
		m.debouncer.Trigger(conversationID)
	}
}

func key(conversationID string) string {
	return keyPrefix + conversationID
}

func (m *Mirror) flush(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	inv := Invalidation{ConversationID: conversationID, Source: m.source}
	conv, err := m.store.Conversation(conversationID)
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		inv.Removed = true
		if err := m.client.Del(ctx, key(conversationID)); err != nil {
			log.Printf("mirror delete %s failed: %v", conversationID, err)
			return
		}
	case err != nil:
		log.Printf("mirror read %s failed: %v", conversationID, err)
		return
	default:
		data, err := json.Marshal(conv)
		if err != nil {
			log.Printf("mirror marshal %s failed: %v", conversationID, err)
			return
		}
		if err := m.client.Set(ctx, key(conversationID), data, m.ttl); err != nil {
			log.Printf("mirror write %s failed: %v", conversationID, err)
			return
		}
	}
	m.publish(ctx, inv)
}

func (m *Mirror) publish(ctx context.Context, inv Invalidation) {
	payload, err := json.Marshal(inv)
	if err != nil {
		log.Printf("mirror invalidation marshal failed: %v", err)
		return
	}
	if err := m.client.Publish(ctx, invalidateChannel, payload); err != nil {
		log.Printf("mirror publish invalidation failed: %v", err)
	}
}

// LoadConversation reads the mirrored copy of a conversation.
func (m *Mirror) LoadConversation(ctx context.Context, id string) (models.Conversation, error) {
	data, err := m.client.Get(ctx, key(id))
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return models.Conversation{}, fmt.Errorf("%w: %s", ErrNotMirrored, id)
		}
		return models.Conversation{}, fmt.Errorf("mirror load %s: %w", id, err)
	}
	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return models.Conversation{}, fmt.Errorf("mirror decode %s: %w", id, err)
	}
	return conv, nil
}

// Refresh replaces the in-memory conversation with the mirrored copy without
// mirroring the result back. A conversation with a streaming message, or one
// that changes while the copy is fetched, is left alone and ErrBusy returned.
func (m *Mirror) Refresh(ctx context.Context, id string) error {
	snap, err := m.store.Snapshot(id)
	if err != nil {
		return err
	}
	if snap.Streaming() {
		return fmt.Errorf("%w: %s", ErrBusy, id)
	}
	conv, err := m.LoadConversation(ctx, id)
	if err != nil {
		return err
	}
	// streams belong to the process that started them
	for i := range conv.Messages {
		conv.Messages[i].Streaming = false
	}
	m.mu.Lock()
	m.suppress[id]++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.suppress[id]--; m.suppress[id] <= 0 {
			delete(m.suppress, id)
		}
		m.mu.Unlock()
	}()
	if err := m.store.LoadAt(conv, snap.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
		return err
	}
	return nil
}

// Follow applies invalidations published by other processes until ctx ends.
// Conversations that are not held in memory, or for which busy reports a
// local stream, are left alone.
func (m *Mirror) Follow(ctx context.Context, busy func(conversationID string) bool) error {
	return m.client.Subscribe(ctx, invalidateChannel, func(payload []byte) {
		var inv Invalidation
		if err := json.Unmarshal(payload, &inv); err != nil {
			log.Printf("mirror invalidation decode failed: %v", err)
			return
		}
		if inv.Source == m.source || inv.Removed || !m.store.Has(inv.ConversationID) {
			return
		}
		if busy != nil && busy(inv.ConversationID) {
			debug.Logf("mirror skip refresh of streaming conversation %s", inv.ConversationID)
			return
		}
		err := m.Refresh(ctx, inv.ConversationID)
		if errors.Is(err, ErrBusy) {
			debug.Logf("mirror skip refresh: %v", err)
			return
		}
		if err != nil {
			log.Printf("mirror refresh %s failed: %v", inv.ConversationID, err)
		}
	})
}

// Close writes pending snapshots and stops the mirror.
func (m *Mirror) Close() {
	m.debouncer.Flush()
	m.debouncer.Stop()
}
