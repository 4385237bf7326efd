package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"chatsync/internal/chaterr"
	"chatsync/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const defaultClaudeMaxTokens = 3000

// ProviderConfig selects a direct model provider, bypassing the backend.
type ProviderConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	MaxTokens int
}

// EinoTransport streams from a provider SDK through eino chat models.
type EinoTransport struct {
	provider  string
	chatModel model.BaseChatModel
}

func NewEinoTransport(ctx context.Context, provider string, cfg ProviderConfig) (*EinoTransport, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("create gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: true,
				ThinkingBudget:  nil,
			},
		})
	case "claude":
		var baseURL *string
		if cfg.BaseURL != "" {
			baseURL = &cfg.BaseURL
		}
		maxTokens := cfg.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultClaudeMaxTokens
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURL,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return NewModelTransport(provider, chatModel), nil
}

// NewModelTransport wraps an already constructed eino chat model.
func NewModelTransport(provider string, chatModel model.BaseChatModel) *EinoTransport {
	return &EinoTransport{provider: provider, chatModel: chatModel}
}

func (t *EinoTransport) options(req Request) []model.Option {
	var opts []model.Option
	if req.Params.Model != "" {
		opts = append(opts, model.WithModel(req.Params.Model))
	}
	if req.Params.Temperature > 0 {
		opts = append(opts, model.WithTemperature(req.Params.Temperature))
	}
	if req.Params.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.Params.MaxTokens))
	}
	return opts
}

func (t *EinoTransport) Open(ctx context.Context, req Request) (ChunkReader, error) {
	reader, err := t.chatModel.Stream(ctx, toSchemaMessages(req), t.options(req)...)
	if err != nil {
		return nil, chaterr.Network(fmt.Errorf("%s stream: %w", t.provider, err))
	}
	return &einoReader{reader: reader}, nil
}

func (t *EinoTransport) Complete(ctx context.Context, req Request) (Completion, error) {
	msg, err := t.chatModel.Generate(ctx, toSchemaMessages(req), t.options(req)...)
	if err != nil {
		return Completion{}, chaterr.Network(fmt.Errorf("%s generate: %w", t.provider, err))
	}
	return Completion{Content: msg.Content, Model: req.Params.Model, Usage: fromSchemaUsage(msg)}, nil
}

type einoReader struct {
	reader *schema.StreamReader[*schema.Message]
}

func (r *einoReader) Recv() (Chunk, error) {
	msg, err := r.reader.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		return Chunk{}, err
	}
	chunk := Chunk{Token: msg.Content, Usage: fromSchemaUsage(msg)}
	if msg.ResponseMeta != nil {
		chunk.FinishReason = msg.ResponseMeta.FinishReason
	}
	return chunk, nil
}

func (r *einoReader) Close() error {
	r.reader.Close()
	return nil
}

func toSchemaMessages(req Request) []*schema.Message {
	out := make([]*schema.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, &schema.Message{Role: schema.System, Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			continue
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}

func fromSchemaUsage(msg *schema.Message) *models.Usage {
	if msg == nil || msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return nil
	}
	u := msg.ResponseMeta.Usage
	return &models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
