// Package stream opens streaming chat completions and turns them into an
// ordered sequence of token events with exactly one terminal event.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/chaterr"
	"chatsync/internal/models"

	"github.com/go-playground/validator/v10"
)

// ModelParams are validated before any request leaves the process.
type ModelParams struct {
	Model       string  `json:"model" validate:"required"`
	Temperature float32 `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `json:"max_tokens" validate:"gte=0"`
}

// Request is one completion call: prior history plus model parameters.
type Request struct {
	Messages     []models.Message
	SystemPrompt string
	Params       ModelParams
	Stream       bool
}

var validate = validator.New()

// Validate checks the model parameters are in range.
func (p ModelParams) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return chaterr.InvalidRequest(fmt.Sprintf("%s failed %s validation", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return chaterr.InvalidRequest(err.Error())
	}
	return nil
}

// Validate rejects requests that would be refused by the backend anyway.
func (r Request) Validate() error {
	if err := r.Params.Validate(); err != nil {
		return err
	}
	for _, m := range r.Messages {
		if m.Role == models.RoleUser || m.Role == models.RoleAssistant {
			return nil
		}
	}
	return chaterr.InvalidRequest("request has no conversation history")
}

// Chunk is one decoded unit from the wire. Token is empty for role-only,
// finish and usage chunks.
type Chunk struct {
	Token        string
	FinishReason string
	Model        string
	Usage        *models.Usage
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Content string
	Model   string
	Usage   *models.Usage
}

// ChunkReader yields chunks until io.EOF, which marks normal termination.
type ChunkReader interface {
	Recv() (Chunk, error)
	Close() error
}

// Transport talks to one completion backend. Errors should already be
// classified as *chaterr.Error where the transport knows better.
type Transport interface {
	Open(ctx context.Context, req Request) (ChunkReader, error)
	Complete(ctx context.Context, req Request) (Completion, error)
}

type EventType int

const (
	EventToken EventType = iota + 1
	EventDone
	EventFailure
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeReleased  Outcome = "released"
	OutcomeFailed    Outcome = "failed"
)

// Metrics summarize one session once it is terminal.
type Metrics struct {
	TotalDuration    time.Duration `json:"total_duration"`
	TimeToFirstToken time.Duration `json:"time_to_first_token"`
	TokensReceived   int           `json:"tokens_received"`
	Success          bool          `json:"success"`
	Outcome          Outcome       `json:"outcome"`
	Model            string        `json:"model,omitempty"`
	Usage            *models.Usage `json:"usage,omitempty"`
}

// Event is delivered to the session's EventFunc. Done and Failure are terminal.
type Event struct {
	Type           EventType
	ConversationID string
	MessageID      string
	Token          string
	Metrics        *Metrics
	Err            *chaterr.Error
}

// EventFunc receives the events of one session, serialized and in order.
// It must not call back into the Session that invoked it.
type EventFunc func(Event)
