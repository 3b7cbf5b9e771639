package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTimeoutNormalizesDeadline(t *testing.T) {
	slow := ClientFunc(func(ctx context.Context, _ []Message, _ *Options) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c := NewWithTimeout(slow, 10*time.Millisecond)
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWithTimeoutPassesThroughOtherErrors(t *testing.T) {
	boom := errors.New("upstream 500")
	c := NewWithTimeout(ClientFunc(func(context.Context, []Message, *Options) (*Response, error) {
		return nil, boom
	}), time.Second)

	_, err := c.Chat(context.Background(), nil, nil)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestWithTimeoutZeroMeansUnbounded(t *testing.T) {
	c := NewWithTimeout(ClientFunc(func(ctx context.Context, _ []Message, _ *Options) (*Response, error) {
		_, hasDeadline := ctx.Deadline()
		assert.False(t, hasDeadline)
		return &Response{Content: "ok"}, nil
	}), 0)

	resp, err := c.Chat(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}
