package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/crewline/pkg/crewerr"
	"github.com/crewline/crewline/pkg/models"
)

func TestOpenAIClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var request map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		assert.Equal(t, "gpt-test", request["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 2, "total_tokens": 9}
		}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL, APIKey: "sk-test", Model: "gpt-test"})
	require.NoError(t, err)

	result, err := client.Complete(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "hi"},
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Content)
	assert.Equal(t, 9, result.TotalTokens)
	assert.Equal(t, "stop", result.FinishReason)
}

func TestOpenAIClientRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "slow down"}}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), nil, Options{})
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeRateLimit, crewerr.CodeOf(err))
	assert.True(t, crewerr.Retryable(err))
	assert.Contains(t, err.Error(), "slow down")
}

func TestOpenAIClientAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), nil, Options{})
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeAuth, crewerr.CodeOf(err))
	assert.False(t, crewerr.Retryable(err))
}

func TestOpenAIClientServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), nil, Options{})
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeLLM, crewerr.CodeOf(err))
	assert.True(t, crewerr.Retryable(err))
}

func TestOpenAIClientStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\": [{\"delta\": {\"content\": \"hel\"}}]}\n\n" +
				"data: {\"choices\": [{\"delta\": {\"content\": \"lo\"}, \"finish_reason\": \"stop\"}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: server.URL})
	require.NoError(t, err)

	var tokens []string
	done := make(chan Result, 1)
	err = client.CompleteStreaming(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "hi"},
	}, Options{}, StreamCallbacks{
		OnToken:    func(token string) { tokens = append(tokens, token) },
		OnComplete: func(result Result) { done <- result },
		OnError:    func(err error) { t.Errorf("unexpected stream error: %v", err) },
	})
	require.NoError(t, err)

	select {
	case result := <-done:
		assert.Equal(t, "hello", result.Content)
		assert.Equal(t, "stop", result.FinishReason)
		assert.Equal(t, []string{"hel", "lo"}, tokens)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not complete")
	}
}

func TestNewOpenAIClientRequiresBaseURL(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	require.Error(t, err)
	assert.Equal(t, crewerr.CodeConfiguration, crewerr.CodeOf(err))
}
