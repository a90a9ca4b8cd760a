package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyloom/internal/types"
)

type stubClient struct {
	reply string
	err   error
	delay time.Duration
	calls int
}

func (s *stubClient) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt)
}

func (s *stubClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func TestChainFirstBackendWins(t *testing.T) {
	first := &stubClient{reply: "hello"}
	second := &stubClient{reply: "unused"}
	chain := NewChainFromClients(time.Second, first, second)

	out, err := chain.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls, "later backends must not be called on success")
}

func TestChainFallsBackOnError(t *testing.T) {
	first := &stubClient{err: errors.New("boom")}
	second := &stubClient{reply: "recovered"}
	chain := NewChainFromClients(time.Second, first, second)

	out, err := chain.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestChainTimeoutCountsAsLinkFailure(t *testing.T) {
	slow := &stubClient{reply: "late", delay: 200 * time.Millisecond}
	fast := &stubClient{reply: "on time"}
	chain := NewChainFromClients(20*time.Millisecond, slow, fast)

	out, err := chain.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "on time", out)
}

func TestChainExhaustionReturnsGenerationFailed(t *testing.T) {
	a := &stubClient{err: errors.New("down")}
	b := &stubClient{err: errors.New("also down")}
	chain := NewChainFromClients(time.Second, a, b)

	_, err := chain.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrGenerationFailed))
}

func TestChainRespectsCallerCancellation(t *testing.T) {
	slow := &stubClient{reply: "late", delay: time.Second}
	chain := NewChainFromClients(5*time.Second, slow, slow)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := chain.Complete(ctx, "hi")
	require.Error(t, err)
	assert.False(t, errors.Is(err, types.ErrGenerationFailed),
		"caller cancellation is not a generation failure")
}
