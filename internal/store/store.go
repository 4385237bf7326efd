// Package store holds conversations in memory. Every mutation of a
// conversation goes through that conversation's lock and produces a new
// snapshot for its subscribers.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatsync/internal/models"

	"github.com/google/uuid"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists")
	ErrMessageNotFound      = errors.New("message not found")
	ErrDuplicateMessage     = errors.New("message id already exists")
	ErrInvalidMessage       = errors.New("message id and valid role are required")
	ErrVersionConflict      = errors.New("conversation changed since it was read")
)

const defaultSubscriberBuffer = 32

// Snapshot is an immutable copy of a conversation at one version.
type Snapshot struct {
	ConversationID string                      `json:"conversation_id"`
	Version        uint64                      `json:"version"`
	Metadata       models.ConversationMetadata `json:"metadata"`
	Messages       []models.Message            `json:"messages"`
}

// Streaming reports whether any message in the snapshot is still streaming.
func (s Snapshot) Streaming() bool {
	for _, m := range s.Messages {
		if m.Streaming {
			return true
		}
	}
	return false
}

type Option func(*Store)

// WithSubscriberBuffer sets how many snapshots a slow subscriber may lag behind.
func WithSubscriberBuffer(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.subBuffer = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversationState
	hooks         []func(conversationID string)
	subBuffer     int
	now           func() time.Time
}

type conversationState struct {
	mu      sync.Mutex
	conv    models.Conversation
	index   map[string]int
	seq     uint64
	version uint64
	subs    map[uint64]*Subscription
	nextSub uint64
	removed bool
}

func New(opts ...Option) *Store {
	s := &Store{
		conversations: make(map[string]*conversationState),
		subBuffer:     defaultSubscriberBuffer,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers a hook invoked after every mutation, outside any lock.
func (s *Store) OnChange(fn func(conversationID string)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Create starts an empty conversation with a fresh id.
func (s *Store) Create(meta models.ConversationMetadata) models.Conversation {
	conv, _ := s.CreateWithID(uuid.NewString(), meta)
	return conv
}

func (s *Store) CreateWithID(id string, meta models.ConversationMetadata) (models.Conversation, error) {
	if id == "" {
		return models.Conversation{}, ErrConversationNotFound
	}
	s.mu.Lock()
	if _, ok := s.conversations[id]; ok {
		s.mu.Unlock()
		return models.Conversation{}, ErrConversationExists
	}
	cs := s.newState(id, meta)
	s.conversations[id] = cs
	s.mu.Unlock()

	cs.mu.Lock()
	conv := cs.copyConversation()
	cs.mu.Unlock()
	s.notify(id)
	return conv, nil
}

// Ensure returns the conversation, creating it when absent.
func (s *Store) Ensure(id string) models.Conversation {
	s.mu.Lock()
	cs, ok := s.conversations[id]
	if !ok {
		cs = s.newState(id, models.ConversationMetadata{})
		s.conversations[id] = cs
	}
	s.mu.Unlock()

	cs.mu.Lock()
	conv := cs.copyConversation()
	cs.mu.Unlock()
	if !ok {
		s.notify(id)
	}
	return conv
}

func (s *Store) newState(id string, meta models.ConversationMetadata) *conversationState {
	now := s.now()
	return &conversationState{
		conv: models.Conversation{
			ID:        id,
			Metadata:  meta,
			CreatedAt: now,
			UpdatedAt: now,
		},
		index: make(map[string]int),
		subs:  make(map[uint64]*Subscription),
	}
}

func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conversations[id]
	return ok
}

// IDs lists known conversations, most recently updated first.
func (s *Store) IDs() []string {
	s.mu.RLock()
	states := make([]*conversationState, 0, len(s.conversations))
	for _, cs := range s.conversations {
		states = append(states, cs)
	}
	s.mu.RUnlock()

	type entry struct {
		id      string
		updated time.Time
	}
	entries := make([]entry, 0, len(states))
	for _, cs := range states {
		cs.mu.Lock()
		entries = append(entries, entry{id: cs.conv.ID, updated: cs.conv.UpdatedAt})
		cs.mu.Unlock()
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].updated.Equal(entries[j].updated) {
			return entries[i].id < entries[j].id
		}
		return entries[i].updated.After(entries[j].updated)
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func (s *Store) state(id string) (*conversationState, error) {
	s.mu.RLock()
	cs, ok := s.conversations[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cs, nil
}

// mutate runs fn as the conversation's single writer and publishes the result.
func (s *Store) mutate(id string, fn func(cs *conversationState) (bool, error)) error {
	cs, err := s.state(id)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	if cs.removed {
		cs.mu.Unlock()
		return ErrConversationNotFound
	}
	changed, err := fn(cs)
	if err == nil && changed {
		cs.conv.UpdatedAt = s.now()
		cs.version++
		cs.publish()
	}
	cs.mu.Unlock()
	if err == nil && changed {
		s.notify(id)
	}
	return err
}

func (s *Store) notify(id string) {
	s.mu.RLock()
	hooks := append([]func(string){}, s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(id)
	}
}

func (s *Store) Conversation(id string) (models.Conversation, error) {
	cs, err := s.state(id)
	if err != nil {
		return models.Conversation{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.copyConversation(), nil
}

func (s *Store) Snapshot(id string) (Snapshot, error) {
	cs, err := s.state(id)
	if err != nil {
		return Snapshot{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.snapshot(), nil
}

func (s *Store) SetMetadata(id string, meta models.ConversationMetadata) error {
	return s.mutate(id, func(cs *conversationState) (bool, error) {
		cs.conv.Metadata = meta
		return true, nil
	})
}

// Load replaces a conversation wholesale, creating it if needed. Used to
// hydrate from persisted history.
func (s *Store) Load(conv models.Conversation) error {
	if conv.ID == "" {
		return ErrConversationNotFound
	}
	s.mu.Lock()
	if _, ok := s.conversations[conv.ID]; !ok {
		s.conversations[conv.ID] = s.newState(conv.ID, conv.Metadata)
	}
	s.mu.Unlock()

	return s.mutate(conv.ID, func(cs *conversationState) (bool, error) {
		cs.replace(conv)
		return true, nil
	})
}

// LoadAt replaces an existing conversation only while it is still at version.
// Any mutation since then makes it fail with ErrVersionConflict.
func (s *Store) LoadAt(conv models.Conversation, version uint64) error {
	return s.mutate(conv.ID, func(cs *conversationState) (bool, error) {
		if cs.version != version {
			return false, fmt.Errorf("%w: %s at %d, want %d", ErrVersionConflict, conv.ID, cs.version, version)
		}
		cs.replace(conv)
		return true, nil
	})
}

func (cs *conversationState) replace(conv models.Conversation) {
	cs.conv.Metadata = conv.Metadata
	if !conv.CreatedAt.IsZero() {
		cs.conv.CreatedAt = conv.CreatedAt
	}
	cs.conv.Messages = cs.conv.Messages[:0]
	cs.index = make(map[string]int, len(conv.Messages))
	cs.seq = 0
	for _, m := range conv.Messages {
		if _, dup := cs.index[m.ID]; dup || m.ID == "" {
			continue
		}
		m = m.Clone()
		m.ConversationID = conv.ID
		if m.Seq == 0 || m.Seq <= cs.seq {
			m.Seq = cs.seq + 1
		}
		cs.seq = m.Seq
		cs.index[m.ID] = len(cs.conv.Messages)
		cs.conv.Messages = append(cs.conv.Messages, m)
	}
}

// Remove drops the conversation and closes its subscriptions.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	cs, ok := s.conversations[id]
	if ok {
		delete(s.conversations, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrConversationNotFound
	}
	cs.mu.Lock()
	cs.removed = true
	for sid, sub := range cs.subs {
		delete(cs.subs, sid)
		sub.closeLocked()
	}
	cs.mu.Unlock()
	s.notify(id)
	return nil
}

// Clear removes every message but keeps the conversation and its subscribers.
func (s *Store) Clear(id string) error {
	return s.mutate(id, func(cs *conversationState) (bool, error) {
		cs.conv.Messages = nil
		cs.index = make(map[string]int)
		return true, nil
	})
}

// Append adds msg at the end of the conversation.
func (s *Store) Append(id string, msg models.Message) (models.Message, error) {
	var out models.Message
	err := s.mutate(id, func(cs *conversationState) (bool, error) {
		if msg.ID == "" || !msg.Role.Valid() {
			return false, ErrInvalidMessage
		}
		if _, ok := cs.index[msg.ID]; ok {
			return false, ErrDuplicateMessage
		}
		out = cs.appendLocked(msg, s.now())
		return true, nil
	})
	return out, err
}

// AppendIfAbsent appends msg unless a message with the same id exists.
func (s *Store) AppendIfAbsent(id string, msg models.Message) (bool, error) {
	added := false
	err := s.mutate(id, func(cs *conversationState) (bool, error) {
		if msg.ID == "" || !msg.Role.Valid() {
			return false, ErrInvalidMessage
		}
		if _, ok := cs.index[msg.ID]; ok {
			return false, nil
		}
		cs.appendLocked(msg, s.now())
		added = true
		return true, nil
	})
	return added, err
}

// Update applies fn to a message under the conversation lock. The id and
// ordering fields cannot be changed by fn.
func (s *Store) Update(id, messageID string, fn func(*models.Message)) (models.Message, error) {
	var out models.Message
	err := s.mutate(id, func(cs *conversationState) (bool, error) {
		pos, ok := cs.index[messageID]
		if !ok {
			return false, ErrMessageNotFound
		}
		msg := &cs.conv.Messages[pos]
		seq, created, conv := msg.Seq, msg.CreatedAt, msg.ConversationID
		fn(msg)
		msg.ID, msg.Seq, msg.CreatedAt, msg.ConversationID = messageID, seq, created, conv
		msg.UpdatedAt = s.now()
		out = msg.Clone()
		return true, nil
	})
	return out, err
}

// Delete removes one message; relative order of the rest is kept.
func (s *Store) Delete(id, messageID string) error {
	return s.mutate(id, func(cs *conversationState) (bool, error) {
		pos, ok := cs.index[messageID]
		if !ok {
			return false, ErrMessageNotFound
		}
		cs.conv.Messages = append(cs.conv.Messages[:pos], cs.conv.Messages[pos+1:]...)
		delete(cs.index, messageID)
		for i := pos; i < len(cs.conv.Messages); i++ {
			cs.index[cs.conv.Messages[i].ID] = i
		}
		return true, nil
	})
}

func (s *Store) Message(id, messageID string) (models.Message, error) {
	cs, err := s.state(id)
	if err != nil {
		return models.Message{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	pos, ok := cs.index[messageID]
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return cs.conv.Messages[pos].Clone(), nil
}

func (s *Store) Messages(id string) ([]models.Message, error) {
	cs, err := s.state(id)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.copyMessages(), nil
}

func (cs *conversationState) appendLocked(msg models.Message, now time.Time) models.Message {
	msg = msg.Clone()
	cs.seq++
	msg.Seq = cs.seq
	msg.ConversationID = cs.conv.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	cs.index[msg.ID] = len(cs.conv.Messages)
	cs.conv.Messages = append(cs.conv.Messages, msg)
	return msg.Clone()
}

func (cs *conversationState) copyMessages() []models.Message {
	out := make([]models.Message, len(cs.conv.Messages))
	for i, m := range cs.conv.Messages {
		out[i] = m.Clone()
	}
	return out
}

func (cs *conversationState) copyConversation() models.Conversation {
	conv := cs.conv
	conv.Messages = cs.copyMessages()
	return conv
}

func (cs *conversationState) snapshot() Snapshot {
	return Snapshot{
		ConversationID: cs.conv.ID,
		Version:        cs.version,
		Metadata:       cs.conv.Metadata,
		Messages:       cs.copyMessages(),
	}
}
