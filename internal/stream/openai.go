package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatsync/internal/chaterr"
	"chatsync/internal/models"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIConfig struct {
	// BaseURL is the API root including the version segment, e.g. http://localhost:8000/v1.
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	IncludeUsage bool
}

// OpenAITransport speaks the OpenAI chat completions protocol over SSE.
type OpenAITransport struct {
	client       *openai.Client
	includeUsage bool
}

func NewOpenAITransport(cfg OpenAIConfig) *OpenAITransport {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	oc.HTTPClient = &headerCapture{inner: hc}
	return &OpenAITransport{
		client:       openai.NewClientWithConfig(oc),
		includeUsage: cfg.IncludeUsage,
	}
}

func (t *OpenAITransport) request(req Request) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Params.Model,
		Messages:    toOpenAIMessages(req),
		Temperature: req.Params.Temperature,
		MaxTokens:   req.Params.MaxTokens,
		Stream:      req.Stream,
	}
	if req.Stream && t.includeUsage {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

func (t *OpenAITransport) Open(ctx context.Context, req Request) (ChunkReader, error) {
	meta := &responseMeta{}
	ctx = context.WithValue(ctx, responseMetaKey{}, meta)
	s, err := t.client.CreateChatCompletionStream(ctx, t.request(req))
	if err != nil {
		return nil, classifyOpenAI(err, meta)
	}
	return &openAIReader{stream: s, meta: meta}, nil
}

func (t *OpenAITransport) Complete(ctx context.Context, req Request) (Completion, error) {
	meta := &responseMeta{}
	ctx = context.WithValue(ctx, responseMetaKey{}, meta)
	r := t.request(req)
	r.Stream = false
	resp, err := t.client.CreateChatCompletion(ctx, r)
	if err != nil {
		return Completion{}, classifyOpenAI(err, meta)
	}
	out := Completion{Model: resp.Model, Usage: fromOpenAIUsage(&resp.Usage)}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
	}
	return out, nil
}

type openAIReader struct {
	stream     *openai.ChatCompletionStream
	meta       *responseMeta
	sawFinish  bool
	sawContent bool
}

func (r *openAIReader) Recv() (Chunk, error) {
	resp, err := r.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			// a body that ends without a finish reason was cut off
			if !r.sawFinish && r.sawContent {
				return Chunk{}, chaterr.Network(io.ErrUnexpectedEOF)
			}
			return Chunk{}, io.EOF
		}
		return Chunk{}, classifyOpenAI(err, r.meta)
	}
	chunk := Chunk{Model: resp.Model, Usage: fromOpenAIUsage(resp.Usage)}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		chunk.Token = choice.Delta.Content
		if choice.FinishReason != "" {
			chunk.FinishReason = string(choice.FinishReason)
			r.sawFinish = true
		}
	}
	if chunk.Token != "" {
		r.sawContent = true
	}
	return chunk, nil
}

func (r *openAIReader) Close() error {
	return r.stream.Close()
}

func toOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		var role string
		switch m.Role {
		case models.RoleUser:
			role = openai.ChatMessageRoleUser
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		default:
			continue
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func fromOpenAIUsage(u *openai.Usage) *models.Usage {
	if u == nil || (u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0) {
		return nil
	}
	out := &models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}

func classifyOpenAI(err error, meta *responseMeta) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.HTTPStatusCode
		if status == 0 {
			// error frame inside an otherwise successful stream
			return chaterr.Server(http.StatusInternalServerError, apiErr.Message)
		}
		return chaterr.FromStatus(status, apiErr.Message, meta.retryAfter())
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := strings.TrimSpace(string(reqErr.Body))
		if msg == "" && reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return chaterr.FromStatus(reqErr.HTTPStatusCode, msg, meta.retryAfter())
	}
	if errors.Is(err, openai.ErrChatCompletionInvalidModel) {
		return chaterr.InvalidRequest(err.Error())
	}
	return err
}

// responseMeta captures response headers go-openai does not surface on errors.
type responseMeta struct {
	mu    sync.Mutex
	retry *time.Duration
}

type responseMetaKey struct{}

func (m *responseMeta) retryAfter() *time.Duration {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry
}

type headerCapture struct {
	inner openai.HTTPDoer
}

func (h *headerCapture) Do(req *http.Request) (*http.Response, error) {
	resp, err := h.inner.Do(req)
	if resp == nil {
		return resp, err
	}
	if meta, ok := req.Context().Value(responseMetaKey{}).(*responseMeta); ok {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			meta.mu.Lock()
			meta.retry = &d
			meta.mu.Unlock()
		}
	}
	return resp, err
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
