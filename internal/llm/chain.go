package llm

import (
	"context"
	"errors"
	"time"

	"storyloom/internal/logging"
	"storyloom/internal/types"
)

type namedClient struct {
	name   string
	client Client
}

// Chain tries each backend in order until one returns a completion. A
// per-call deadline bounds every attempt; a timed-out backend counts as a
// failed link and the chain moves on. When every backend fails the chain
// returns ErrGenerationFailed.
type Chain struct {
	backends    []namedClient
	callTimeout time.Duration
}

// NewChainFromClients builds a chain directly from clients. Used by tests
// and by callers that construct backends themselves.
func NewChainFromClients(callTimeout time.Duration, clients ...Client) *Chain {
	backends := make([]namedClient, len(clients))
	for i, c := range clients {
		backends[i] = namedClient{name: "backend", client: c}
	}
	return &Chain{backends: backends, callTimeout: callTimeout}
}

// Complete sends a prompt and returns the first successful completion.
func (c *Chain) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message through the chain.
func (c *Chain) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var lastErr error

	for _, b := range c.backends {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if c.callTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		}

		timer := logging.StartTimer(logging.CategoryAPI, "completion via "+b.name)
		out, err := b.client.CompleteWithSystem(callCtx, systemPrompt, userPrompt)
		timer.Stop()
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return out, nil
		}

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = types.ErrBackendTimeout
		}
		logging.APIWarn("backend %s failed: %v", b.name, err)
		lastErr = err
	}

	if lastErr != nil {
		return "", errors.Join(types.ErrGenerationFailed, lastErr)
	}
	return "", types.ErrGenerationFailed
}

// Backends returns the number of configured backends.
func (c *Chain) Backends() int {
	return len(c.backends)
}
