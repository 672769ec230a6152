package llm

import (
	"context"
	"sync"

	"github.com/crewline/crewline/pkg/models"
)

// StubClient is a scriptable in-process Client for development and tests.
// Respond functions are consumed in order; when the script runs out the
// last one repeats.
type StubClient struct {
	mu     sync.Mutex
	script []func(messages []models.Message) (Result, error)
	calls  int
}

// NewStubClient builds a stub from respond functions.
func NewStubClient(script ...func(messages []models.Message) (Result, error)) *StubClient {
	return &StubClient{script: script}
}

// NewEchoClient answers every call with the last user message.
func NewEchoClient() *StubClient {
	return NewStubClient(func(messages []models.Message) (Result, error) {
		content := ""
		for _, msg := range messages {
			if msg.Role == models.RoleUser {
				content = msg.Content
			}
		}
		return Result{Content: content, FinishReason: "stop"}, nil
	})
}

// Calls returns how many completions ran.
func (c *StubClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Complete runs the next scripted response.
func (c *StubClient) Complete(ctx context.Context, messages []models.Message, _ Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	idx := c.calls
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	c.calls++
	respond := c.script[idx]
	c.mu.Unlock()

	result, err := respond(messages)
	if err != nil {
		return Result{}, err
	}
	if result.TotalTokens == 0 {
		result.PromptTokens = countMessages(messages)
		result.CompletionTokens = estimateTokens(result.Content)
		result.TotalTokens = result.PromptTokens + result.CompletionTokens
	}
	if result.FinishReason == "" {
		result.FinishReason = "stop"
	}
	return result, nil
}

// CompleteStreaming replays the scripted response as a single token.
func (c *StubClient) CompleteStreaming(ctx context.Context, messages []models.Message, opts Options, callbacks StreamCallbacks) error {
	result, err := c.Complete(ctx, messages, opts)
	if err != nil {
		if callbacks.OnError != nil {
			callbacks.OnError(err)
		}
		return nil
	}
	if callbacks.OnToken != nil {
		callbacks.OnToken(result.Content)
	}
	if callbacks.OnComplete != nil {
		callbacks.OnComplete(result)
	}
	return nil
}

// CountTokens estimates roughly four characters per token.
func (c *StubClient) CountTokens(text string) int {
	return estimateTokens(text)
}

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func countMessages(messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += estimateTokens(msg.Content)
	}
	return total
}
