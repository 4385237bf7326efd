// Package chat is the entry point used by presentation layers: it gates and
// starts sends, routes stream tokens into the conversation store and applies
// caller edits.
package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"chatsync/internal/cache"
	"chatsync/internal/chaterr"
	"chatsync/internal/debounce"
	"chatsync/internal/debug"
	"chatsync/internal/models"
	"chatsync/internal/reconcile"
	"chatsync/internal/store"
	"chatsync/internal/stream"

	"github.com/google/uuid"
)

const (
	defaultPersistDelay   = 250 * time.Millisecond
	defaultPersistTimeout = 5 * time.Second
)

type staticGate models.ConnectionState

func (g staticGate) State() models.ConnectionState { return models.ConnectionState(g) }

// AlwaysConnected is a Gate for setups without a health-checked backend,
// such as direct provider access.
var AlwaysConnected Gate = staticGate(models.StateConnected)

type activeStream struct {
	session   *stream.Session
	messageID string
}

type Orchestrator struct {
	store  *store.Store
	client *stream.Client
	engine *reconcile.Engine
	gate   Gate

	archive        Archive
	mirror         Loader
	prefetcher     *cache.Prefetcher
	recorder       Recorder
	onFailure      FailureHandler
	defaults       Defaults
	prefetchDelay  time.Duration
	persistTimeout time.Duration

	prefetch  *debounce.Debouncer
	persister *debounce.Debouncer
	persistMu sync.Mutex
	wg        sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*activeStream
	closing bool
}

// New wires the orchestrator to its collaborators and registers it with the
// engine as the owner of local stream sessions.
func New(st *store.Store, client *stream.Client, engine *reconcile.Engine, gate Gate, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:          st,
		client:         client,
		engine:         engine,
		gate:           gate,
		prefetchDelay:  defaultPrefetchDelay,
		persistTimeout: defaultPersistTimeout,
		active:         make(map[string]*activeStream),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.gate == nil {
		o.gate = AlwaysConnected
	}
	if o.prefetcher != nil {
		o.prefetch = debounce.New(o.prefetchDelay, o.prefetchLinks)
	}
	if o.archive != nil {
		o.persister = debounce.New(defaultPersistDelay, o.save)
	}
	if engine != nil {
		engine.BindSessions(o)
	}
	return o
}

// Reply tracks one accepted send.
type Reply struct {
	ConversationID     string
	UserMessage        models.Message
	AssistantMessageID string
	session            *stream.Session
}

// Done is closed once the assistant message is final.
func (r *Reply) Done() <-chan struct{} { return r.session.Done() }

// Wait blocks until the reply is final. Cancellation is not an error.
func (r *Reply) Wait(ctx context.Context) (stream.Metrics, error) {
	return r.session.Wait(ctx)
}

func (r *Reply) Cancel() bool { return r.session.Cancel() }

// Content is the assistant text received so far.
func (r *Reply) Content() string { return r.session.Content() }

// Send appends text as a user message and starts composing the reply. It is
// rejected without side effects when the text is blank, the backend is not
// connected or a reply is already streaming in the conversation. The stream
// runs until ctx ends, it completes, or it is cancelled.
func (o *Orchestrator) Send(ctx context.Context, conversationID, text string) (*Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, o.reject(chaterr.InvalidRequest("message text is empty"))
	}
	if conversationID == "" {
		return nil, o.reject(chaterr.InvalidRequest("conversation id is required"))
	}
	if o.gate.State() != models.StateConnected {
		return nil, o.reject(chaterr.NotConnected())
	}

	var meta models.ConversationMetadata
	if conv, err := o.store.Conversation(conversationID); err == nil {
		meta = conv.Metadata
	}
	params := o.params(meta)
	if err := params.Validate(); err != nil {
		return nil, o.reject(chaterr.As(err))
	}

	slot := &activeStream{}
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil, o.reject(chaterr.NotConnected())
	}
	if _, busy := o.active[conversationID]; busy {
		o.mu.Unlock()
		return nil, o.reject(chaterr.InvalidRequest("a reply is already streaming in this conversation"))
	}
	o.active[conversationID] = slot
	o.mu.Unlock()

	reply, err := o.begin(ctx, conversationID, text, params, slot)
	if err != nil {
		o.mu.Lock()
		if o.active[conversationID] == slot {
			delete(o.active, conversationID)
		}
		o.mu.Unlock()
		return nil, o.reject(toChatErr(err))
	}
	return reply, nil
}

func (o *Orchestrator) begin(ctx context.Context, conversationID, text string, params stream.ModelParams, slot *activeStream) (*Reply, error) {
	conv := o.store.Ensure(conversationID)
	userMsg, err := o.store.Append(conversationID, models.Message{
		ID:      uuid.NewString(),
		Role:    models.RoleUser,
		Content: text,
	})
	if err != nil {
		return nil, err
	}
	history, err := o.store.Messages(conversationID)
	if err != nil {
		return nil, err
	}
	placeholder, err := o.store.Append(conversationID, models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Streaming: true,
		Metadata:  &models.MessageMetadata{Model: params.Model},
	})
	if err != nil {
		return nil, err
	}
	if o.prefetcher != nil {
		o.prefetcher.Cache().Pin(placeholder.ID)
	}

	systemPrompt := conv.Metadata.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = o.defaults.SystemPrompt
	}
	req := stream.Request{
		Messages:     history,
		SystemPrompt: systemPrompt,
		Params:       params,
		Stream:       !o.defaults.DisableStreaming,
	}
	session := o.client.NewSession(conversationID, placeholder.ID, req, o.handleEvent)

	o.mu.Lock()
	closing := o.closing
	if !closing {
		slot.session = session
		slot.messageID = placeholder.ID
	}
	o.mu.Unlock()
	if closing {
		// finalizes the placeholder through handleEvent
		session.Cancel()
		return nil, chaterr.NotConnected()
	}
	debug.Logf("send conv=%s user=%s reply=%s model=%s", conversationID, userMsg.ID, placeholder.ID, params.Model)
	session.Start(ctx)
	return &Reply{
		ConversationID:     conversationID,
		UserMessage:        userMsg,
		AssistantMessageID: placeholder.ID,
		session:            session,
	}, nil
}

func (o *Orchestrator) params(meta models.ConversationMetadata) stream.ModelParams {
	p := stream.ModelParams{
		Model:       meta.Model,
		Temperature: o.defaults.Temperature,
		MaxTokens:   o.defaults.MaxTokens,
	}
	if p.Model == "" {
		p.Model = o.defaults.Model
	}
	return p
}

func (o *Orchestrator) reject(err *chaterr.Error) *chaterr.Error {
	if o.recorder != nil {
		o.recorder.SendRejected(err.Kind)
	}
	return err
}

// handleEvent runs under the session lock, so it must not call back into
// the session.
func (o *Orchestrator) handleEvent(ev stream.Event) {
	switch ev.Type {
	case stream.EventToken:
		_, err := o.store.Update(ev.ConversationID, ev.MessageID, func(m *models.Message) {
			m.Content += ev.Token
		})
		if err == nil && o.prefetch != nil {
			o.prefetch.Trigger(messageKey(ev.ConversationID, ev.MessageID))
		}
	case stream.EventDone, stream.EventFailure:
		o.finalize(ev)
	}
}

func (o *Orchestrator) finalize(ev stream.Event) {
	var metrics stream.Metrics
	if ev.Metrics != nil {
		metrics = *ev.Metrics
	}
	var links []string
	_, err := o.store.Update(ev.ConversationID, ev.MessageID, func(m *models.Message) {
		m.Streaming = false
		if metrics.Model != "" || metrics.Usage != nil {
			if m.Metadata == nil {
				m.Metadata = &models.MessageMetadata{}
			}
			if metrics.Model != "" {
				m.Metadata.Model = metrics.Model
			}
			if metrics.Usage != nil {
				usage := *metrics.Usage
				m.Metadata.Usage = &usage
			}
		}
		links = cache.ExtractLinks(m.Content)
		m.Resources = links
	})
	if err != nil && !errors.Is(err, store.ErrMessageNotFound) && !errors.Is(err, store.ErrConversationNotFound) {
		log.Printf("finalize message %s failed: %v", ev.MessageID, err)
	}
	if ev.Err != nil {
		_, err := o.store.Append(ev.ConversationID, models.Message{
			ID:      uuid.NewString(),
			Role:    models.RoleError,
			Content: ev.Err.UserMessage(),
		})
		if err != nil && !errors.Is(err, store.ErrConversationNotFound) {
			log.Printf("append error message failed: %v", err)
		}
	}

	o.mu.Lock()
	if slot, ok := o.active[ev.ConversationID]; ok && slot.messageID == ev.MessageID {
		delete(o.active, ev.ConversationID)
	}
	o.mu.Unlock()

	if o.prefetcher != nil {
		o.prefetcher.Cache().Unpin(ev.MessageID)
		if len(links) > 0 {
			o.prefetcher.Prefetch(ev.MessageID, links)
		}
	}
	if o.recorder != nil {
		o.recorder.StreamFinished(metrics, ev.Err)
	}
	debug.Logf("stream conv=%s msg=%s %s tokens=%d", ev.ConversationID, ev.MessageID, metrics.Outcome, metrics.TokensReceived)
	o.persist(ev.ConversationID)

	if ev.Err != nil && o.onFailure != nil {
		o.wg.Add(1)
		go func(conv string, cerr *chaterr.Error) {
			defer o.wg.Done()
			o.onFailure(conv, cerr)
		}(ev.ConversationID, ev.Err)
	}
}

// ReleaseStream ends the local session streaming messageID without
// finalizing its content again. The engine calls it on streamEnded.
func (o *Orchestrator) ReleaseStream(conversationID, messageID string) bool {
	session := o.session(conversationID)
	if session == nil || session.MessageID() != messageID {
		return false
	}
	return session.Release()
}

// CancelActiveStream stops the conversation's streaming reply, keeping the
// content received so far. It is a no-op when nothing is streaming.
func (o *Orchestrator) CancelActiveStream(conversationID string) bool {
	session := o.session(conversationID)
	if session == nil {
		return false
	}
	return session.Cancel()
}

func (o *Orchestrator) session(conversationID string) *stream.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if slot, ok := o.active[conversationID]; ok {
		return slot.session
	}
	return nil
}

// IsStreaming reports whether a reply is in flight for the conversation.
func (o *Orchestrator) IsStreaming(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[conversationID]
	return ok
}

func (o *Orchestrator) ConnectionState() models.ConnectionState {
	return o.gate.State()
}

// StartNewConversation creates an empty conversation.
func (o *Orchestrator) StartNewConversation(meta models.ConversationMetadata) models.Conversation {
	conv := o.store.Create(meta)
	o.persist(conv.ID)
	return conv
}

// SetConversationMetadata replaces the title, model and system prompt.
func (o *Orchestrator) SetConversationMetadata(conversationID string, meta models.ConversationMetadata) error {
	if err := o.store.SetMetadata(conversationID, meta); err != nil {
		return toChatErr(err)
	}
	o.persist(conversationID)
	return nil
}

// ClearConversation cancels any streaming reply and empties the conversation.
func (o *Orchestrator) ClearConversation(conversationID string) error {
	o.CancelActiveStream(conversationID)
	msgs, err := o.store.Messages(conversationID)
	if err != nil {
		return toChatErr(err)
	}
	if err := o.store.Clear(conversationID); err != nil {
		return toChatErr(err)
	}
	o.purgeResources(msgs)
	o.persist(conversationID)
	return nil
}

// DeleteConversation cancels any streaming reply and forgets the
// conversation, including its archived copy.
func (o *Orchestrator) DeleteConversation(ctx context.Context, conversationID string) error {
	o.CancelActiveStream(conversationID)
	msgs, _ := o.store.Messages(conversationID)
	if err := o.store.Remove(conversationID); err != nil && !errors.Is(err, store.ErrConversationNotFound) {
		return toChatErr(err)
	}
	o.purgeResources(msgs)
	if o.archive != nil {
		o.persistMu.Lock()
		defer o.persistMu.Unlock()
		if err := o.archive.DeleteConversation(ctx, conversationID); err != nil {
			return chaterr.As(err)
		}
	}
	return nil
}

// DeleteMessage removes one message. A streaming target is released first so
// no further tokens land on it.
func (o *Orchestrator) DeleteMessage(conversationID, messageID string) error {
	o.ReleaseStream(conversationID, messageID)
	if err := o.store.Delete(conversationID, messageID); err != nil {
		return toChatErr(err)
	}
	if o.prefetcher != nil {
		o.prefetcher.Cache().PurgeMessage(messageID)
	}
	o.persist(conversationID)
	return nil
}

// UpdateMessage replaces a message's content. Messages that are still
// streaming cannot be edited.
func (o *Orchestrator) UpdateMessage(conversationID, messageID, content string) error {
	if session := o.session(conversationID); session != nil && session.MessageID() == messageID {
		return chaterr.InvalidRequest("message is still streaming")
	}
	current, err := o.store.Message(conversationID, messageID)
	if err != nil {
		return toChatErr(err)
	}
	if current.Streaming {
		return chaterr.InvalidRequest("message is still streaming")
	}
	links := cache.ExtractLinks(content)
	if _, err := o.store.Update(conversationID, messageID, func(m *models.Message) {
		m.Content = content
		m.Resources = links
	}); err != nil {
		return toChatErr(err)
	}
	if o.prefetcher != nil {
		o.prefetcher.Cache().PurgeMessage(messageID)
		o.prefetcher.Prefetch(messageID, links)
	}
	o.persist(conversationID)
	return nil
}

// Subscribe streams snapshots of the conversation, starting with the current one.
func (o *Orchestrator) Subscribe(conversationID string) (*store.Subscription, error) {
	sub, err := o.store.Subscribe(conversationID)
	if err != nil {
		return nil, toChatErr(err)
	}
	return sub, nil
}

func (o *Orchestrator) Messages(conversationID string) ([]models.Message, error) {
	msgs, err := o.store.Messages(conversationID)
	if err != nil {
		return nil, toChatErr(err)
	}
	return msgs, nil
}

func (o *Orchestrator) Conversation(conversationID string) (models.Conversation, error) {
	conv, err := o.store.Conversation(conversationID)
	if err != nil {
		return models.Conversation{}, toChatErr(err)
	}
	return conv, nil
}

// ConversationIDs lists in-memory conversations, most recently updated first.
func (o *Orchestrator) ConversationIDs() []string {
	return o.store.IDs()
}

// Hydrate loads a conversation into memory from the mirror, falling back to
// the archive. Conversations already in memory are left untouched.
func (o *Orchestrator) Hydrate(ctx context.Context, conversationID string) error {
	if o.store.Has(conversationID) {
		return nil
	}
	for _, src := range []Loader{o.mirror, o.archive} {
		if src == nil {
			continue
		}
		conv, err := src.LoadConversation(ctx, conversationID)
		if err != nil {
			debug.Logf("hydrate %s: %v", conversationID, err)
			continue
		}
		// a restored message cannot still be streaming: no session owns it
		for i := range conv.Messages {
			conv.Messages[i].Streaming = false
		}
		if err := o.store.Load(conv); err != nil && !errors.Is(err, store.ErrConversationExists) {
			return toChatErr(err)
		}
		return nil
	}
	return toChatErr(store.ErrConversationNotFound)
}

// Close cancels every streaming reply and flushes pending archive writes.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.closing = true
	var sessions []*stream.Session
	for _, slot := range o.active {
		if slot.session != nil {
			sessions = append(sessions, slot.session)
		}
	}
	o.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
		<-s.Done()
	}
	if o.prefetch != nil {
		o.prefetch.Stop()
	}
	if o.persister != nil {
		o.persister.Flush()
		o.persister.Stop()
	}
	o.wg.Wait()
}

func (o *Orchestrator) persist(conversationID string) {
	if o.persister != nil {
		o.persister.Trigger(conversationID)
	}
}

// save writes the conversation as it is when the write runs, so a delayed
// save never overwrites newer state.
func (o *Orchestrator) save(conversationID string) {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()
	conv, err := o.store.Conversation(conversationID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.persistTimeout)
	defer cancel()
	if err := o.archive.SaveConversation(ctx, conv); err != nil {
		log.Printf("archive conversation %s failed: %v", conversationID, err)
	}
}

func (o *Orchestrator) prefetchLinks(key string) {
	conversationID, messageID, _ := strings.Cut(key, "/")
	msg, err := o.store.Message(conversationID, messageID)
	if err != nil {
		return
	}
	if links := cache.ExtractLinks(msg.Content); len(links) > 0 {
		o.prefetcher.Prefetch(messageID, links)
	}
}

func (o *Orchestrator) purgeResources(msgs []models.Message) {
	if o.prefetcher == nil {
		return
	}
	for _, m := range msgs {
		o.prefetcher.Cache().PurgeMessage(m.ID)
	}
}

func messageKey(conversationID, messageID string) string {
	return conversationID + "/" + messageID
}

func toChatErr(err error) *chaterr.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConversationNotFound),
		errors.Is(err, store.ErrMessageNotFound),
		errors.Is(err, store.ErrInvalidMessage),
		errors.Is(err, store.ErrDuplicateMessage):
		// keep the store error as cause so callers can still match it
		return &chaterr.Error{Kind: chaterr.KindInvalidRequest, Cause: err}
	}
	return chaterr.As(err)
}
