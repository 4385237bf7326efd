package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chatsync/internal/auth"
	"chatsync/internal/cache"
	"chatsync/internal/chat"
	"chatsync/internal/chaterr"
	"chatsync/internal/models"
	"chatsync/internal/store"
)

// Conversations is the part of the orchestrator the bridge drives.
type Conversations interface {
	Send(ctx context.Context, conversationID, text string) (*chat.Reply, error)
	CancelActiveStream(conversationID string) bool
	IsStreaming(conversationID string) bool
	ConnectionState() models.ConnectionState
	StartNewConversation(meta models.ConversationMetadata) models.Conversation
	SetConversationMetadata(conversationID string, meta models.ConversationMetadata) error
	ClearConversation(conversationID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
	DeleteMessage(conversationID, messageID string) error
	UpdateMessage(conversationID, messageID, content string) error
	Subscribe(conversationID string) (*store.Subscription, error)
	Conversation(conversationID string) (models.Conversation, error)
	ConversationIDs() []string
	Hydrate(ctx context.Context, conversationID string) error
}

// ArchiveLister lists conversations that are stored but not necessarily loaded.
type ArchiveLister interface {
	ListConversations(ctx context.Context, limit int) ([]models.Conversation, error)
}

// CacheStats reports resource cache counters for the status endpoint.
type CacheStats interface {
	Stats() cache.Stats
}

// Option customises a Handler.
type Option func(*Handler)

func WithArchive(a ArchiveLister) Option {
	return func(h *Handler) { h.archive = a }
}

func WithCache(c CacheStats) Option {
	return func(h *Handler) { h.cache = c }
}

// WithMetrics exposes the handler on GET /metrics.
func WithMetrics(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithKeepAlive sets how often idle SSE subscriptions receive a comment line.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

// Handler wires HTTP routes of the local bridge to the chat orchestrator.
type Handler struct {
	chat      Conversations
	auth      *auth.Service
	archive   ArchiveLister
	cache     CacheStats
	metrics   http.Handler
	keepAlive time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(conversations Conversations, authService *auth.Service, opts ...Option) *Handler {
	h := &Handler{
		chat:      conversations,
		auth:      authService,
		keepAlive: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	api := router.Group("/api")
	api.Use(h.auth.Middleware())
	api.GET("/status", h.status)
	api.GET("/conversations", h.listConversations)
	api.POST("/conversations", h.startConversation)

	conv := api.Group("/conversations/:id")
	conv.GET("", h.getConversation)
	conv.DELETE("", h.deleteConversation)
	conv.PUT("/metadata", h.setMetadata)
	conv.POST("/clear", h.clearConversation)
	conv.POST("/messages", h.sendMessage)
	conv.POST("/cancel", h.cancelStream)
	conv.PATCH("/messages/:message_id", h.updateMessage)
	conv.DELETE("/messages/:message_id", h.deleteMessage)
	conv.GET("/events", h.subscribe)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) status(c *gin.Context) {
	payload := gin.H{
		"connection":    h.chat.ConnectionState(),
		"conversations": len(h.chat.ConversationIDs()),
	}
	if h.cache != nil {
		payload["cache"] = h.cache.Stats()
	}
	c.JSON(http.StatusOK, payload)
}

type conversationSummary struct {
	ID        string                      `json:"id"`
	Metadata  models.ConversationMetadata `json:"metadata"`
	Messages  int                         `json:"messages"`
	Streaming bool                        `json:"streaming"`
	Archived  bool                        `json:"archived,omitempty"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

func summarize(conv models.Conversation) conversationSummary {
	return conversationSummary{
		ID:        conv.ID,
		Metadata:  conv.Metadata,
		Messages:  len(conv.Messages),
		UpdatedAt: conv.UpdatedAt,
	}
}

// listConversations returns loaded conversations, most recent first. With
// ?archived=true conversations only present in the archive are appended.
func (h *Handler) listConversations(c *gin.Context) {
	ids := h.chat.ConversationIDs()
	seen := make(map[string]struct{}, len(ids))
	list := make([]conversationSummary, 0, len(ids))
	for _, id := range ids {
		conv, err := h.chat.Conversation(id)
		if err != nil {
			continue
		}
		s := summarize(conv)
		s.Streaming = h.chat.IsStreaming(id)
		list = append(list, s)
		seen[id] = struct{}{}
	}

	if c.Query("archived") == "true" && h.archive != nil {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = n
		}
		archived, err := h.archive.ListConversations(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, conv := range archived {
			if _, ok := seen[conv.ID]; ok {
				continue
			}
			s := summarize(conv)
			s.Archived = true
			list = append(list, s)
		}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

type metadataRequest struct {
	Title        string `json:"title"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

func (r metadataRequest) metadata() models.ConversationMetadata {
	return models.ConversationMetadata{Title: r.Title, Model: r.Model, SystemPrompt: r.SystemPrompt}
}

func (h *Handler) startConversation(c *gin.Context) {
	var req metadataRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	conv := h.chat.StartNewConversation(req.metadata())
	c.JSON(http.StatusCreated, conv)
}

// loaded makes sure the conversation is in memory, restoring it when needed.
func (h *Handler) loaded(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := h.chat.Hydrate(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return "", false
	}
	return id, true
}

func (h *Handler) getConversation(c *gin.Context) {
	id, ok := h.loaded(c)
	if !ok {
		return
	}
	conv, err := h.chat.Conversation(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"streaming":    h.chat.IsStreaming(id),
	})
}

func (h *Handler) deleteConversation(c *gin.Context) {
	if err := h.chat.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) setMetadata(c *gin.Context) {
	var req metadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id, ok := h.loaded(c)
	if !ok {
		return
	}
	if err := h.chat.SetConversationMetadata(id, req.metadata()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) clearConversation(c *gin.Context) {
	id, ok := h.loaded(c)
	if !ok {
		return
	}
	if err := h.chat.ClearConversation(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) cancelStream(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": h.chat.CancelActiveStream(c.Param("id"))})
}

type contentRequest struct {
	Content string `json:"content"`
}

func (h *Handler) updateMessage(c *gin.Context) {
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id, ok := h.loaded(c)
	if !ok {
		return
	}
	if err := h.chat.UpdateMessage(id, c.Param("message_id"), req.Content); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteMessage(c *gin.Context) {
	id, ok := h.loaded(c)
	if !ok {
		return
	}
	if err := h.chat.DeleteMessage(id, c.Param("message_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// sendMessage appends the user message and streams the reply back as SSE:
// one ack, snapshots of the assistant message while it grows, then done or
// error. Closing the request cancels the reply.
func (h *Handler) sendMessage(c *gin.Context) {
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id := c.Param("id")
	// a brand new id is fine, Send creates it; an archived one is restored first
	_ = h.chat.Hydrate(c.Request.Context(), id)

	ctx := c.Request.Context()
	reply, err := h.chat.Send(ctx, id, req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	sub, err := h.chat.Subscribe(id)
	if err != nil {
		reply.Cancel()
		writeError(c, err)
		return
	}
	defer sub.Close()

	sendEvent, ok := openSSE(c)
	if !ok {
		reply.Cancel()
		return
	}
	if err := sendEvent("ack", gin.H{
		"conversation_id":      reply.ConversationID,
		"message":              reply.UserMessage,
		"assistant_message_id": reply.AssistantMessageID,
	}); err != nil {
		reply.Cancel()
		return
	}

	var lastContent string
	emit := func(snap store.Snapshot) error {
		msg, found := findMessage(snap.Messages, reply.AssistantMessageID)
		if !found || !msg.Streaming || msg.Content == lastContent {
			return nil
		}
		lastContent = msg.Content
		return sendEvent("snapshot", gin.H{"message": msg, "version": snap.Version})
	}

stream:
	for {
		select {
		case <-ctx.Done():
			reply.Cancel()
			return
		case snap, open := <-sub.C():
			if !open {
				break stream
			}
			if err := emit(snap); err != nil {
				reply.Cancel()
				return
			}
		case <-reply.Done():
			break stream
		}
	}

	metrics, waitErr := reply.Wait(ctx)
	if waitErr != nil && ctx.Err() != nil {
		return
	}
	final := gin.H{"metrics": metrics}
	if conv, err := h.chat.Conversation(id); err == nil {
		if msg, found := findMessage(conv.Messages, reply.AssistantMessageID); found {
			final["message"] = msg
		}
	}
	if waitErr != nil {
		cerr := chaterr.As(waitErr)
		final["kind"] = cerr.Kind.String()
		final["error"] = cerr.UserMessage()
		_ = sendEvent("error", final)
		return
	}
	_ = sendEvent("done", final)
}

// subscribe streams every snapshot of the conversation until the client
// goes away or the conversation is removed.
func (h *Handler) subscribe(c *gin.Context) {
	id, ok := h.loaded(c)
	if !ok {
		return
	}
	sub, err := h.chat.Subscribe(id)
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	sendEvent, ok := openSSE(c)
	if !ok {
		return
	}
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case snap, open := <-sub.C():
			if !open {
				_ = sendEvent("removed", gin.H{"conversation_id": id})
				return
			}
			if err := sendEvent("snapshot", gin.H{
				"snapshot":  snap,
				"streaming": snap.Streaming(),
			}); err != nil {
				return
			}
		}
	}
}

type eventSender func(event string, payload interface{}) error

// openSSE switches the response to an event stream.
func openSSE(c *gin.Context) (eventSender, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	sendEvent := func(event string, payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	return sendEvent, true
}

func findMessage(msgs []models.Message, id string) (models.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id {
			return msgs[i], true
		}
	}
	return models.Message{}, false
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrConversationNotFound) || errors.Is(err, store.ErrMessageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	cerr := chaterr.As(err)
	status := http.StatusInternalServerError
	switch cerr.Kind {
	case chaterr.KindInvalidRequest:
		status = http.StatusBadRequest
	case chaterr.KindNotConnected:
		status = http.StatusServiceUnavailable
	case chaterr.KindUnauthorized:
		status = http.StatusBadGateway
	case chaterr.KindRateLimited:
		status = http.StatusTooManyRequests
		if cerr.RetryAfter != nil {
			c.Header("Retry-After", strconv.Itoa(int(cerr.RetryAfter.Seconds())))
		}
	case chaterr.KindNetwork, chaterr.KindServer, chaterr.KindDecoding:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": cerr.Error(), "kind": cerr.Kind.String()})
}
