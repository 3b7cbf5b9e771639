// Package inference wraps the model provider behind a small client
// interface so the admission pipeline can be tested against fakes and
// the circuit breaker can wrap a single call surface.
package inference

import (
	"context"
	"errors"
	"time"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes sampling. Zero values mean provider defaults.
type Options struct {
	Temperature float64
	TopP        float64
	Seed        int64
	MaxTokens   int
}

// Usage is the provider-reported token accounting for one call. It
// feeds the quota tracker's post-call increment.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a completed inference call.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Client is the model call surface. Implementations must honor ctx
// cancellation and deadline.
type Client interface {
	Chat(ctx context.Context, msgs []Message, opts *Options) (*Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, msgs []Message, opts *Options) (*Response, error)

func (f ClientFunc) Chat(ctx context.Context, msgs []Message, opts *Options) (*Response, error) {
	return f(ctx, msgs, opts)
}

// ErrTimeout marks a call that hit the model deadline. The pipeline
// maps it onto the inference-timeout error code and a breaker failure.
var ErrTimeout = errors.New("inference: model call timed out")

// WithTimeout bounds every call of next with a fixed deadline and
// normalizes deadline errors to ErrTimeout.
type WithTimeout struct {
	next    Client
	timeout time.Duration
}

// NewWithTimeout wraps next. timeout <= 0 means no bound.
func NewWithTimeout(next Client, timeout time.Duration) *WithTimeout {
	return &WithTimeout{next: next, timeout: timeout}
}

func (c *WithTimeout) Chat(ctx context.Context, msgs []Message, opts *Options) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.next.Chat(ctx, msgs, opts)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	return resp, err
}
