package chat

import (
	"context"
	"time"

	"chatsync/internal/cache"
	"chatsync/internal/chaterr"
	"chatsync/internal/models"
	"chatsync/internal/stream"
)

const defaultPrefetchDelay = 300 * time.Millisecond

// Gate reports whether the backend is reachable.
type Gate interface {
	State() models.ConnectionState
}

// Loader restores a conversation that is not held in memory.
type Loader interface {
	LoadConversation(ctx context.Context, id string) (models.Conversation, error)
}

// Archive persists finalized conversation state.
type Archive interface {
	Loader
	SaveConversation(ctx context.Context, conv models.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
}

// Recorder receives per-send measurements.
type Recorder interface {
	StreamFinished(m stream.Metrics, err *chaterr.Error)
	SendRejected(kind chaterr.Kind)
}

// FailureHandler is told about every failed reply, after the error message
// has been appended to the conversation.
type FailureHandler func(conversationID string, err *chaterr.Error)

// Defaults apply to conversations that do not carry their own settings.
type Defaults struct {
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	// DisableStreaming switches sends to single-response completions.
	DisableStreaming bool
}

type Option func(*Orchestrator)

func WithArchive(a Archive) Option {
	return func(o *Orchestrator) { o.archive = a }
}

func WithMirror(m Loader) Option {
	return func(o *Orchestrator) { o.mirror = m }
}

func WithPrefetcher(p *cache.Prefetcher) Option {
	return func(o *Orchestrator) { o.prefetcher = p }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithFailureHandler(fn FailureHandler) Option {
	return func(o *Orchestrator) { o.onFailure = fn }
}

func WithDefaults(d Defaults) Option {
	return func(o *Orchestrator) { o.defaults = d }
}

// WithPrefetchDelay sets how long a streaming message must be quiet before
// its links are prefetched.
func WithPrefetchDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.prefetchDelay = d
		}
	}
}

// WithPersistTimeout bounds each archive write.
func WithPersistTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.persistTimeout = d
		}
	}
}
