// Package llm defines the language-model client interface, the Gemini
// transport, and strict JSON call handling with refusal detection.
package llm

import (
	"context"
	"fmt"
	"sync"
)

// Client is the minimal surface every LM provider implements.
type Client interface {
	// Complete sends a prompt and returns the raw model text.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem sends a system prompt and user prompt separately.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// StubClient replays scripted responses in order. Used in tests and dry
// runs; deterministic by construction.
type StubClient struct {
	mu        sync.Mutex
	responses []string
	calls     []string
	err       error
}

// NewStubClient builds a stub that returns the given responses one per
// call, repeating the last one when exhausted.
func NewStubClient(responses ...string) *StubClient {
	return &StubClient{responses: responses}
}

// Fail makes every subsequent call return err.
func (c *StubClient) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *StubClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.calls = append(c.calls, prompt)
	if len(c.responses) == 0 {
		return "", fmt.Errorf("stub client has no responses")
	}
	idx := len(c.calls) - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	return c.responses[idx], nil
}

func (c *StubClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.Complete(ctx, systemPrompt+"\n\n"+userPrompt)
}

// CallCount reports how many prompts the stub has seen.
func (c *StubClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Prompts returns a copy of the prompts received so far.
func (c *StubClient) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}
