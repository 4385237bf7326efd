package stream

import (
	"context"
	"time"
)

const (
	DefaultOpenTimeout    = 30 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultRequestTimeout = 2 * time.Minute
)

type Options struct {
	// OpenTimeout bounds the wait for response headers.
	OpenTimeout time.Duration
	// IdleTimeout bounds the gap between two chunks.
	IdleTimeout time.Duration
	// RequestTimeout bounds a whole non-streaming call.
	RequestTimeout time.Duration
	Clock          func() time.Time
}

// Client creates sessions against one transport. It never retries.
type Client struct {
	transport Transport
	opts      Options
}

func NewClient(transport Transport, opts Options) *Client {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Client{transport: transport, opts: opts}
}

// NewSession prepares a session without touching the network, so callers can
// register it before any event fires.
func (c *Client) NewSession(conversationID, messageID string, req Request, fn EventFunc) *Session {
	return &Session{
		conversationID: conversationID,
		messageID:      messageID,
		req:            req,
		transport:      c.transport,
		fn:             fn,
		opts:           c.opts,
		done:           make(chan struct{}),
	}
}

// Stream is NewSession followed by Start.
func (c *Client) Stream(ctx context.Context, conversationID, messageID string, req Request, fn EventFunc) *Session {
	s := c.NewSession(conversationID, messageID, req, fn)
	s.Start(ctx)
	return s
}
