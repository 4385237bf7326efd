package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"chatsync/internal/auth"
	"chatsync/internal/cache"
	"chatsync/internal/chat"
	"chatsync/internal/chaterr"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/reconcile"
	"chatsync/internal/store"
	"chatsync/internal/stream"
)

const testToken = "bridge-token"

var authHeader = map[string]string{"Authorization": "Bearer " + testToken}

// scriptedReader replays tokens and then ends the stream.
type scriptedReader struct {
	tokens []string
	delay  time.Duration
	ctx    context.Context
}

func (r *scriptedReader) Recv() (stream.Chunk, error) {
	if len(r.tokens) == 0 {
		return stream.Chunk{}, io.EOF
	}
	if r.delay > 0 {
		select {
		case <-r.ctx.Done():
			return stream.Chunk{}, r.ctx.Err()
		case <-time.After(r.delay):
		}
	}
	tok := r.tokens[0]
	r.tokens = r.tokens[1:]
	return stream.Chunk{Token: tok, Model: "mock-model"}, nil
}

func (r *scriptedReader) Close() error { return nil }

type mockTransport struct {
	tokens  []string
	delay   time.Duration
	openErr error
}

func (m *mockTransport) Open(ctx context.Context, req stream.Request) (stream.ChunkReader, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	return &scriptedReader{tokens: append([]string(nil), m.tokens...), delay: m.delay, ctx: ctx}, nil
}

func (m *mockTransport) Complete(ctx context.Context, req stream.Request) (stream.Completion, error) {
	return stream.Completion{Content: strings.Join(m.tokens, ""), Model: "mock-model"}, nil
}

type switchGate struct{ state atomic.Value }

func newSwitchGate(s models.ConnectionState) *switchGate {
	g := &switchGate{}
	g.state.Store(s)
	return g
}

func (g *switchGate) State() models.ConnectionState { return g.state.Load().(models.ConnectionState) }

type fakeLister struct{ convs []models.Conversation }

func (f fakeLister) ListConversations(ctx context.Context, limit int) ([]models.Conversation, error) {
	if len(f.convs) > limit {
		return f.convs[:limit], nil
	}
	return f.convs, nil
}

type testServer struct {
	router    *gin.Engine
	transport *mockTransport
	gate      *switchGate
	orch      *chat.Orchestrator
	metrics   *metrics.Metrics
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.New()
	transport := &mockTransport{tokens: []string{"Hello", " ", "world"}}
	gate := newSwitchGate(models.StateConnected)
	m := metrics.New()
	orch := chat.New(st, stream.NewClient(transport, stream.Options{}), reconcile.New(st), gate,
		chat.WithDefaults(chat.Defaults{Model: "mock-model"}),
		chat.WithRecorder(m),
	)
	t.Cleanup(orch.Close)

	resources := cache.NewResourceCache(10)
	opts = append([]Option{WithCache(resources), WithMetrics(m.Handler()), WithKeepAlive(20 * time.Millisecond)}, opts...)
	handler := NewHandler(orch, auth.NewService(testToken), opts...)
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, transport: transport, gate: gate, orch: orch, metrics: m}
}

func TestHealthIsOpenAndAPIRequiresToken(t *testing.T) {
	srv := newTestServer(t)

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/health", nil, nil), http.StatusOK)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/status", nil, nil), http.StatusUnauthorized)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/status", nil,
		map[string]string{"Authorization": "Bearer nope"}), http.StatusUnauthorized)

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/status", nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Connection string      `json:"connection"`
		Cache      cache.Stats `json:"cache"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Connection != string(models.StateConnected) {
		t.Fatalf("unexpected connection state %q", body.Connection)
	}
}

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t)

	startResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations",
		map[string]string{"title": "Greeting", "system_prompt": "be brief"}, authHeader)
	assertStatus(t, startResp, http.StatusCreated)
	var conv models.Conversation
	decodeJSON(t, startResp.Body.Bytes(), &conv)
	if conv.ID == "" || conv.Metadata.Title != "Greeting" {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	base := "/api/conversations/" + conv.ID

	sendResp := postSSE(t, srv.router, base+"/messages", map[string]string{"content": "hi there"}, authHeader)
	assertStatus(t, sendResp, http.StatusOK)
	events := parseSSE(t, sendResp.Body.String())
	if len(events) < 2 {
		t.Fatalf("expected at least ack and done, got %d events", len(events))
	}
	if events[0].Name != "ack" {
		t.Fatalf("expected first SSE event to be ack, got %s", events[0].Name)
	}
	var ack struct {
		Message struct {
			Content string `json:"content"`
			Role    string `json:"role"`
		} `json:"message"`
		AssistantMessageID string `json:"assistant_message_id"`
	}
	decodeJSON(t, []byte(events[0].Data), &ack)
	if ack.Message.Content != "hi there" || ack.AssistantMessageID == "" {
		t.Fatalf("ack payload mismatch: %+v", ack)
	}
	for _, ev := range events[1 : len(events)-1] {
		if ev.Name != "snapshot" {
			t.Fatalf("expected snapshot events between ack and done, got %s", ev.Name)
		}
	}
	last := events[len(events)-1]
	if last.Name != "done" {
		t.Fatalf("expected done event, got %s: %s", last.Name, last.Data)
	}
	var done struct {
		Message models.Message `json:"message"`
		Metrics stream.Metrics `json:"metrics"`
	}
	decodeJSON(t, []byte(last.Data), &done)
	if done.Message.Content != "Hello world" || done.Message.Streaming {
		t.Fatalf("unexpected final message %+v", done.Message)
	}
	if done.Metrics.TokensReceived != 3 {
		t.Fatalf("expected 3 tokens, got %d", done.Metrics.TokensReceived)
	}

	getResp := doJSONRequest(t, srv.router, http.MethodGet, base, nil, authHeader)
	assertStatus(t, getResp, http.StatusOK)
	var got struct {
		Conversation models.Conversation `json:"conversation"`
		Streaming    bool                `json:"streaming"`
	}
	decodeJSON(t, getResp.Body.Bytes(), &got)
	if len(got.Conversation.Messages) != 2 || got.Streaming {
		t.Fatalf("unexpected conversation state: %+v", got)
	}

	msgPath := base + "/messages/" + ack.AssistantMessageID
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPatch, msgPath,
		map[string]string{"content": "edited"}, authHeader), http.StatusNoContent)
	msgs := conversationMessages(t, srv, conv.ID)
	if msgs[1].Content != "edited" {
		t.Fatalf("expected edited content, got %q", msgs[1].Content)
	}

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, msgPath, nil, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, msgPath, nil, authHeader), http.StatusNotFound)
	if n := len(conversationMessages(t, srv, conv.ID)); n != 1 {
		t.Fatalf("expected 1 message after delete, got %d", n)
	}

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPut, base+"/metadata",
		map[string]string{"title": "Renamed", "model": "other-model"}, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, base+"/clear", nil, authHeader), http.StatusNoContent)
	if n := len(conversationMessages(t, srv, conv.ID)); n != 0 {
		t.Fatalf("expected empty conversation after clear, got %d", n)
	}

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var list struct {
		Conversations []conversationSummary `json:"conversations"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &list)
	if len(list.Conversations) != 1 || list.Conversations[0].Metadata.Title != "Renamed" {
		t.Fatalf("unexpected listing %+v", list.Conversations)
	}

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, base, nil, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, base, nil, authHeader), http.StatusNotFound)

	metricsResp := doJSONRequest(t, srv.router, http.MethodGet, "/metrics", nil, nil)
	assertStatus(t, metricsResp, http.StatusOK)
	if !strings.Contains(metricsResp.Body.String(), "chatsync_stream_finished_total") {
		t.Fatalf("metrics output missing stream counter")
	}
}

func TestSendRejections(t *testing.T) {
	srv := newTestServer(t)

	resp := postSSE(t, srv.router, "/api/conversations/c1/messages", map[string]string{"content": "   "}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	srv.gate.state.Store(models.StateDisconnected)
	resp = postSSE(t, srv.router, "/api/conversations/c1/messages", map[string]string{"content": "hello"}, authHeader)
	assertStatus(t, resp, http.StatusServiceUnavailable)
	var body struct {
		Kind string `json:"kind"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Kind != "not_connected" {
		t.Fatalf("unexpected kind %q", body.Kind)
	}
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations/c1", nil, authHeader), http.StatusNotFound)
}

func TestSendStreamsErrorEvent(t *testing.T) {
	srv := newTestServer(t)
	srv.transport.openErr = chaterr.RateLimited(nil)

	resp := postSSE(t, srv.router, "/api/conversations/c1/messages", map[string]string{"content": "hello"}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	last := events[len(events)-1]
	if last.Name != "error" {
		t.Fatalf("expected error event, got %s", last.Name)
	}
	var payload struct {
		Kind  string `json:"kind"`
		Error string `json:"error"`
	}
	decodeJSON(t, []byte(last.Data), &payload)
	if payload.Kind != "rate_limited" || payload.Error == "" {
		t.Fatalf("unexpected error payload %+v", payload)
	}

	msgs := conversationMessages(t, srv, "c1")
	if msgs[len(msgs)-1].Role != models.RoleError {
		t.Fatalf("expected an error message at the end, got %s", msgs[len(msgs)-1].Role)
	}
}

func TestCancelStopsStreamingReply(t *testing.T) {
	srv := newTestServer(t)
	srv.transport.tokens = []string{"a", "b", "c", "d"}
	srv.transport.delay = 200 * time.Millisecond

	reply, err := srv.orch.Send(context.Background(), "c1", "slow please")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations/c1/cancel", nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Cancelled bool `json:"cancelled"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if !body.Cancelled {
		t.Fatalf("expected cancel to report an active stream")
	}
	select {
	case <-reply.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("reply did not finish after cancel")
	}

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations/c1/cancel", nil, authHeader)
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Cancelled {
		t.Fatalf("second cancel should be a no-op")
	}
}

func TestListIncludesArchivedConversations(t *testing.T) {
	archived := models.Conversation{ID: "old", Metadata: models.ConversationMetadata{Title: "From disk"}}
	srv := newTestServer(t, WithArchive(fakeLister{convs: []models.Conversation{archived}}))
	srv.orch.StartNewConversation(models.ConversationMetadata{Title: "Live"})

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations?archived=true", nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var list struct {
		Conversations []conversationSummary `json:"conversations"`
	}
	decodeJSON(t, resp.Body.Bytes(), &list)
	if len(list.Conversations) != 2 || !list.Conversations[1].Archived {
		t.Fatalf("unexpected listing %+v", list.Conversations)
	}

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations?archived=true&limit=x", nil, authHeader),
		http.StatusBadRequest)
}

func TestSubscribeStreamsSnapshotsUntilRemoved(t *testing.T) {
	srv := newTestServer(t)
	conv := srv.orch.StartNewConversation(models.ConversationMetadata{Title: "watched"})
	server := httptest.NewServer(srv.router)
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/conversations/"+conv.ID+"/events?access_token="+testToken, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		readSSE(resp.Body, events)
	}()

	first := nextEvent(t, events)
	if first.Name != "snapshot" {
		t.Fatalf("expected initial snapshot, got %s", first.Name)
	}

	if err := srv.orch.DeleteConversation(context.Background(), conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	for {
		ev := nextEvent(t, events)
		if ev.Name == "removed" {
			return
		}
	}
}

func conversationMessages(t *testing.T, srv *testServer, id string) []models.Message {
	t.Helper()
	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations/"+id, nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var got struct {
		Conversation models.Conversation `json:"conversation"`
	}
	decodeJSON(t, resp.Body.Bytes(), &got)
	return got.Conversation.Messages
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postSSE(t *testing.T, router *gin.Engine, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONRequest(t, router, http.MethodPost, path, body, headers)
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v (%s)", err, data)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	ch := make(chan sseEvent, 64)
	go func() {
		defer close(ch)
		readSSE(strings.NewReader(body), ch)
	}()
	var events []sseEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatalf("no SSE events in body %q", body)
	}
	return events
}

func readSSE(r io.Reader, out chan<- sseEvent) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var cur sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Name != "" || cur.Data != "" {
				out <- cur
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			cur.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("event stream ended")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for SSE event")
	}
	return sseEvent{}
}
