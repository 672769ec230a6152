// Package llm defines the language-model port the runtime drives. The
// model itself is an external collaborator; the core only depends on this
// contract.
package llm

import (
	"context"

	"github.com/crewline/crewline/pkg/models"
)

// Options tunes one completion call.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	StopWords   []string
}

// Result is one completion with token accounting.
type Result struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     string
}

// StreamCallbacks receives streaming completion progress. OnComplete and
// OnError are mutually exclusive and terminal.
type StreamCallbacks struct {
	OnToken    func(token string)
	OnComplete func(result Result)
	OnError    func(err error)
}

// Client is the language-model port.
type Client interface {
	// Complete runs one completion over the conversation.
	Complete(ctx context.Context, messages []models.Message, opts Options) (Result, error)

	// CompleteStreaming runs one completion, delivering tokens as they
	// arrive. The returned error reports only submission failures; in-flight
	// failures go to OnError.
	CompleteStreaming(ctx context.Context, messages []models.Message, opts Options, callbacks StreamCallbacks) error

	// CountTokens estimates the token count of text under this model's
	// tokenizer.
	CountTokens(text string) int
}
