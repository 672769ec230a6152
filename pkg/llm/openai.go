package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crewline/crewline/pkg/crewerr"
	"github.com/crewline/crewline/pkg/models"
)

// OpenAIConfig configures the OpenAI-compatible chat-completions adapter.
// BaseURL covers any compatible upstream (a proxy, a local server).
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// HTTPClient overrides the default client; nil uses a 120s timeout.
	HTTPClient *http.Client
}

// OpenAIClient is the HTTP adapter for the LLM port.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewOpenAIClient builds the adapter.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.BaseURL == "" {
		return nil, crewerr.Configuration("llm: base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    httpClient,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		Delta        chatMessage `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete runs one chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, messages []models.Message, opts Options) (Result, error) {
	body, err := c.send(ctx, messages, opts, false)
	if err != nil {
		return Result{}, err
	}
	defer body.Close()

	var decoded chatResponse
	if err := json.NewDecoder(body).Decode(&decoded); err != nil {
		return Result{}, crewerr.Wrap(crewerr.CodeLLM, "llm response does not parse", err)
	}
	if len(decoded.Choices) == 0 {
		return Result{}, crewerr.New(crewerr.CodeLLM, "llm response has no choices")
	}
	choice := decoded.Choices[0]
	return Result{
		Content:          choice.Message.Content,
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
		TotalTokens:      decoded.Usage.TotalTokens,
		FinishReason:     choice.FinishReason,
	}, nil
}

// CompleteStreaming runs one completion over server-sent events.
func (c *OpenAIClient) CompleteStreaming(ctx context.Context, messages []models.Message, opts Options, callbacks StreamCallbacks) error {
	body, err := c.send(ctx, messages, opts, true)
	if err != nil {
		return err
	}

	go func() {
		defer body.Close()
		var content strings.Builder
		finishReason := ""
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				break
			}
			var chunk chatResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil || len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if callbacks.OnToken != nil {
					callbacks.OnToken(choice.Delta.Content)
				}
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}
		if err := scanner.Err(); err != nil {
			if callbacks.OnError != nil {
				callbacks.OnError(crewerr.Wrap(crewerr.CodeLLM, "llm stream failed", err))
			}
			return
		}
		if callbacks.OnComplete != nil {
			text := content.String()
			callbacks.OnComplete(Result{
				Content:          text,
				CompletionTokens: estimateTokens(text),
				TotalTokens:      countMessages(messages) + estimateTokens(text),
				PromptTokens:     countMessages(messages),
				FinishReason:     finishReason,
			})
		}
	}()
	return nil
}

// CountTokens approximates with the four-characters-per-token heuristic;
// the upstream's exact tokenizer is not exposed over the wire.
func (c *OpenAIClient) CountTokens(text string) int { return estimateTokens(text) }

func (c *OpenAIClient) send(ctx context.Context, messages []models.Message, opts Options, stream bool) (io.ReadCloser, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	request := chatRequest{
		Model:       model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stop:        opts.StopWords,
		Stream:      stream,
		Messages:    make([]chatMessage, len(messages)),
	}
	for i, m := range messages {
		request.Messages[i] = chatMessage{Role: string(m.Role), Content: m.Content, Name: m.Name}
	}
	encoded, err := json.Marshal(request)
	if err != nil {
		return nil, crewerr.Wrap(crewerr.CodeLLM, "llm request does not serialize", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return nil, crewerr.Wrap(crewerr.CodeLLM, "building llm request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, crewerr.Wrap(crewerr.CodeNetwork, "llm request failed", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	message := upstreamError(raw, resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, crewerr.RateLimit(message, retryAfter(resp))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, crewerr.New(crewerr.CodeAuth, message)
	case resp.StatusCode >= 500:
		return nil, crewerr.New(crewerr.CodeLLM, message)
	default:
		return nil, crewerr.New(crewerr.CodeValidation, message)
	}
}

func upstreamError(raw []byte, status int) string {
	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error != nil {
		return decoded.Error.Message
	}
	return fmt.Sprintf("llm upstream returned status %d", status)
}

func retryAfter(resp *http.Response) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if d, err := time.ParseDuration(header + "s"); err == nil {
			return d
		}
	}
	return 0
}
