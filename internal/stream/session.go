package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"chatsync/internal/chaterr"
	"chatsync/internal/models"
)

var (
	errCancelled   = errors.New("stream cancelled")
	errReleased    = errors.New("stream released")
	errOpenTimeout = errors.New("timed out waiting for response")
	errIdleTimeout = errors.New("stream idle timeout")
)

// Session is one streaming completion. It is finished exactly once: by the
// backend finishing, by failure, by Cancel, or by Release.
type Session struct {
	conversationID string
	messageID      string
	req            Request
	transport      Transport
	fn             EventFunc
	opts           Options

	mu         sync.Mutex
	cancel     context.CancelCauseFunc
	started    bool
	finished   bool
	startedAt  time.Time
	firstToken time.Duration
	tokens     int
	content    strings.Builder
	model      string
	usage      *models.Usage
	metrics    Metrics
	err        *chaterr.Error
	done       chan struct{}
}

func (s *Session) ConversationID() string { return s.conversationID }
func (s *Session) MessageID() string      { return s.messageID }

// Start launches the network call. It is a no-op after the first call or
// once the session is finished.
func (s *Session) Start(parent context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	s.mu.Lock()
	if s.started || s.finished {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.startedAt = s.opts.Clock()
	ctx, cancel := context.WithCancelCause(parent)
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	defer s.cancel(nil)
	if err := s.req.Validate(); err != nil {
		s.fail(ctx, err)
		return
	}
	if !s.req.Stream {
		s.runComplete(ctx)
		return
	}

	openTimer := time.AfterFunc(s.opts.OpenTimeout, func() { s.cancel(errOpenTimeout) })
	reader, err := s.transport.Open(ctx, s.req)
	openTimer.Stop()
	if err != nil {
		s.fail(ctx, err)
		return
	}
	defer reader.Close()

	idle := time.AfterFunc(s.opts.IdleTimeout, func() { s.cancel(errIdleTimeout) })
	defer idle.Stop()
	for {
		chunk, err := reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(OutcomeCompleted, nil)
				return
			}
			s.fail(ctx, err)
			return
		}
		idle.Reset(s.opts.IdleTimeout)
		if !s.apply(chunk) {
			return
		}
	}
}

func (s *Session) runComplete(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	out, err := s.transport.Complete(reqCtx, s.req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			s.fail(ctx, chaterr.Network(errOpenTimeout))
			return
		}
		s.fail(ctx, err)
		return
	}
	if !s.apply(Chunk{Token: out.Content, Model: out.Model, Usage: out.Usage}) {
		return
	}
	s.finish(OutcomeCompleted, nil)
}

// apply records a chunk and emits its token. It reports false once the
// session is finished.
func (s *Session) apply(chunk Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	if chunk.Model != "" {
		s.model = chunk.Model
	}
	if chunk.Usage != nil {
		s.usage = chunk.Usage
	}
	if chunk.Token == "" {
		return true
	}
	if s.tokens == 0 {
		s.firstToken = s.opts.Clock().Sub(s.startedAt)
	}
	s.tokens++
	s.content.WriteString(chunk.Token)
	s.emit(Event{Type: EventToken, Token: chunk.Token})
	return true
}

// fail finishes the session with a classified error, except when the
// caller's context was cancelled: that ends the session like Cancel.
func (s *Session) fail(ctx context.Context, err error) {
	if callerCancelled(ctx) {
		s.finish(OutcomeCancelled, nil)
		return
	}
	s.finish(OutcomeFailed, classify(ctx, err))
}

func callerCancelled(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	cause := context.Cause(ctx)
	return !errors.Is(cause, errOpenTimeout) &&
		!errors.Is(cause, errIdleTimeout) &&
		!errors.Is(cause, context.DeadlineExceeded)
}

func classify(ctx context.Context, err error) *chaterr.Error {
	if cause := context.Cause(ctx); cause != nil {
		switch {
		case errors.Is(cause, errOpenTimeout), errors.Is(cause, errIdleTimeout):
			return chaterr.Network(cause)
		}
	}
	var ce *chaterr.Error
	if errors.As(err, &ce) {
		return ce
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return chaterr.Decoding(err)
	}
	return chaterr.Network(err)
}

func (s *Session) finish(outcome Outcome, err *chaterr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked(outcome, err)
}

func (s *Session) finishLocked(outcome Outcome, err *chaterr.Error) bool {
	if s.finished {
		return false
	}
	s.finished = true
	m := Metrics{
		TokensReceived:   s.tokens,
		TimeToFirstToken: s.firstToken,
		Success:          outcome == OutcomeCompleted,
		Outcome:          outcome,
		Model:            s.model,
		Usage:            s.usage,
	}
	if !s.startedAt.IsZero() {
		m.TotalDuration = s.opts.Clock().Sub(s.startedAt)
	}
	s.metrics = m
	s.err = err
	ev := Event{Type: EventDone, Metrics: &m}
	if err != nil {
		ev = Event{Type: EventFailure, Metrics: &m, Err: err}
	}
	s.emit(ev)
	close(s.done)
	return true
}

// emit must be called with s.mu held; this is what serializes events.
func (s *Session) emit(ev Event) {
	if s.fn == nil {
		return
	}
	ev.ConversationID = s.conversationID
	ev.MessageID = s.messageID
	s.fn(ev)
}

// Cancel stops the stream and finalizes it with the content received so
// far. It does not wait for the network and is safe to call repeatedly.
func (s *Session) Cancel() bool {
	return s.stop(OutcomeCancelled, errCancelled)
}

// Release ends the session without a second finalization, for when the
// server has already declared the stream over.
func (s *Session) Release() bool {
	return s.stop(OutcomeReleased, errReleased)
}

func (s *Session) stop(outcome Outcome, cause error) bool {
	s.mu.Lock()
	stopped := s.finishLocked(outcome, nil)
	cancel := s.cancel
	s.mu.Unlock()
	if stopped && cancel != nil {
		cancel(cause)
	}
	return stopped
}

// Done is closed once the terminal event has been delivered.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is terminal or ctx ends.
func (s *Session) Wait(ctx context.Context) (Metrics, error) {
	select {
	case <-ctx.Done():
		return Metrics{}, ctx.Err()
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.metrics, s.err
	}
	return s.metrics, nil
}

// Content is the text accumulated so far.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}

func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
