package reconcile

import (
	"sync"
	"testing"

	"chatsync/internal/models"
	"chatsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeTracker) ReleaseStream(conversationID, messageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, conversationID+"/"+messageID)
	return true
}

type countingObserver struct {
	counts map[string]int
}

func (c *countingObserver) EventHandled(eventType, outcome string) {
	c.counts[eventType+":"+outcome]++
}

func setup(t *testing.T) (*store.Store, *Engine, *fakeTracker) {
	t.Helper()
	s := store.New()
	s.Ensure("c")
	e := New(s)
	tr := &fakeTracker{}
	e.BindSessions(tr)
	return s, e, tr
}

func TestMessageAddedLocalWins(t *testing.T) {
	s, e, _ := setup(t)
	_, err := s.Append("c", models.Message{ID: "m1", Role: models.RoleUser, Content: "local"})
	require.NoError(t, err)

	out := e.Handle(models.ChatEvent{Type: models.EventMessageAdded, ConversationID: "c", MessageID: "m1", Role: models.RoleUser, Content: "echo"})
	assert.Equal(t, Ignored, out)
	msgs, _ := s.Messages("c")
	require.Len(t, msgs, 1)
	assert.Equal(t, "local", msgs[0].Content)

	out = e.Handle(models.ChatEvent{Type: models.EventMessageAdded, ConversationID: "c", MessageID: "m2", Role: models.RoleAssistant, Content: "from elsewhere"})
	assert.Equal(t, Applied, out)
	msgs, _ = s.Messages("c")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestMessageUpdatedReplacesOrDrops(t *testing.T) {
	s, e, _ := setup(t)
	_, err := s.Append("c", models.Message{ID: "a", Role: models.RoleAssistant, Content: "old"})
	require.NoError(t, err)

	assert.Equal(t, Applied, e.Handle(models.ChatEvent{Type: models.EventMessageUpdated, ConversationID: "c", MessageID: "a", Content: "new"}))
	m, _ := s.Message("c", "a")
	assert.Equal(t, "new", m.Content)

	assert.Equal(t, Ignored, e.Handle(models.ChatEvent{Type: models.EventMessageUpdated, ConversationID: "c", MessageID: "ghost", Content: "x"}))
	msgs, _ := s.Messages("c")
	assert.Len(t, msgs, 1)
}

func TestStreamFlagsAndRelease(t *testing.T) {
	s, e, tr := setup(t)
	_, err := s.Append("c", models.Message{ID: "a", Role: models.RoleAssistant, Content: "partial"})
	require.NoError(t, err)

	assert.Equal(t, Applied, e.Handle(models.ChatEvent{Type: models.EventStreamStarted, ConversationID: "c", MessageID: "a"}))
	m, _ := s.Message("c", "a")
	assert.True(t, m.Streaming)

	assert.Equal(t, Applied, e.Handle(models.ChatEvent{Type: models.EventStreamEnded, ConversationID: "c", MessageID: "a"}))
	m, _ = s.Message("c", "a")
	assert.False(t, m.Streaming)
	assert.Equal(t, "partial", m.Content)
	assert.Equal(t, []string{"c/a"}, tr.released)
}

func TestUnknownConversationIgnored(t *testing.T) {
	s, e, tr := setup(t)
	for _, typ := range []models.EventType{models.EventMessageAdded, models.EventMessageUpdated, models.EventStreamStarted, models.EventStreamEnded} {
		out := e.Handle(models.ChatEvent{Type: typ, ConversationID: "other", MessageID: "x", Role: models.RoleAssistant})
		assert.Equal(t, Ignored, out, typ)
	}
	assert.False(t, s.Has("other"))
	assert.Empty(t, tr.released)
}

func TestInvalidEventRejectedAndObserved(t *testing.T) {
	_, e, _ := setup(t)
	obs := &countingObserver{counts: make(map[string]int)}
	e.SetObserver(obs)
	assert.Equal(t, Rejected, e.Handle(models.ChatEvent{Type: "messageExploded", ConversationID: "c", MessageID: "x"}))
	assert.Equal(t, Rejected, e.Handle(models.ChatEvent{Type: models.EventMessageAdded, ConversationID: "c", MessageID: "x", Role: "robot"}))
	assert.Equal(t, 1, obs.counts["messageExploded:rejected"])
	assert.Equal(t, 1, obs.counts["messageAdded:rejected"])
}

func TestEventsNeverReorder(t *testing.T) {
	s, e, _ := setup(t)
	for _, id := range []string{"1", "2", "3"} {
		_, err := s.Append("c", models.Message{ID: id, Role: models.RoleUser, Content: id})
		require.NoError(t, err)
	}
	e.Handle(models.ChatEvent{Type: models.EventMessageUpdated, ConversationID: "c", MessageID: "1", Content: "one"})
	e.Handle(models.ChatEvent{Type: models.EventMessageAdded, ConversationID: "c", MessageID: "2", Role: models.RoleUser, Content: "dup"})
	e.Handle(models.ChatEvent{Type: models.EventMessageAdded, ConversationID: "c", MessageID: "4", Role: models.RoleAssistant, Content: "four"})
	msgs, _ := s.Messages("c")
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids)
}
