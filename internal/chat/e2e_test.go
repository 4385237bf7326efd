package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsync/internal/connection"
	"chatsync/internal/models"
	"chatsync/internal/reconcile"
	"chatsync/internal/store"
	"chatsync/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	srv    *httptest.Server
	tokens []string
	pushes chan *websocket.Conn
}

func newFakeBackend(t *testing.T, tokens ...string) *fakeBackend {
	t.Helper()
	b := &fakeBackend{tokens: tokens, pushes: make(chan *websocket.Conn, 4)}
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	upgrader := websocket.Upgrader{}
	router.GET("/v1/events", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		b.pushes <- conn
	})
	router.POST("/v1/chat/completions", func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Status(http.StatusOK)
		for _, tok := range b.tokens {
			fmt.Fprintf(c.Writer, "data: %s\n\n", chunkJSON(tok, ""))
			c.Writer.Flush()
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", chunkJSON("", "stop"))
		fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
	})
	b.srv = httptest.NewServer(router)
	t.Cleanup(b.srv.Close)
	return b
}

func chunkJSON(content, finish string) string {
	delta := map[string]any{}
	if content != "" {
		delta["content"] = content
	}
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-e2e",
		"object":  "chat.completion.chunk",
		"model":   "backend-model",
		"choices": []any{choice},
	})
	return string(body)
}

func TestEndToEndSendAndPushReconciliation(t *testing.T) {
	b := newFakeBackend(t, "Hel", "lo", " world")
	st := store.New()
	engine := reconcile.New(st)
	mgr := connection.NewManager(
		connection.NewHTTPProber(b.srv.URL, nil),
		connection.NewWSDialer("ws"+strings.TrimPrefix(b.srv.URL, "http")+"/v1/events", ""),
		func(ev models.ChatEvent) { engine.Handle(ev) },
		connection.Options{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
	)
	client := stream.NewClient(stream.NewOpenAITransport(stream.OpenAIConfig{BaseURL: b.srv.URL + "/v1", APIKey: "k"}), stream.Options{})
	orch := New(st, client, engine, mgr, WithDefaults(Defaults{Model: "backend-model"}))
	defer orch.Close()

	_, err := orch.Send(context.Background(), "c1", "hi")
	require.Error(t, err, "send before the connection is up")
	assert.False(t, st.Has("c1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()
	require.NoError(t, mgr.WaitConnected(ctx))
	push := <-b.pushes
	defer push.Close()

	reply, err := orch.Send(ctx, "c1", "hi")
	require.NoError(t, err)
	m, err := reply.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, m.TokensReceived)

	msg, err := st.Message("c1", reply.AssistantMessageID)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", msg.Content)
	assert.False(t, msg.Streaming)

	require.NoError(t, push.WriteJSON(models.ChatEvent{
		Type: models.EventMessageAdded, ConversationID: "c1", MessageID: reply.UserMessage.ID,
		Role: models.RoleUser, Content: "echo from server",
	}))
	require.NoError(t, push.WriteJSON(models.ChatEvent{
		Type: models.EventMessageAdded, ConversationID: "c1", MessageID: "srv-1",
		Role: models.RoleSystem, Content: "joined from another device",
	}))
	require.Eventually(t, func() bool {
		msgs, _ := st.Messages("c1")
		return len(msgs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	msgs, _ := st.Messages("c1")
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "Hello world", msgs[1].Content)
	assert.Equal(t, "srv-1", msgs[2].ID)
}
