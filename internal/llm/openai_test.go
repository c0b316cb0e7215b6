package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/advisor-llm-bot/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewOpenAIClient(&models.BotConfig{
		OpenAIAPIKey:  "test-key",
		OpenAIBaseURL: server.URL + "/v1",
		OpenAIModel:   "test-model",
		LLMTimeout:    5,
	}, zerolog.Nop())
	c.runner.backoff = time.Millisecond
	return c
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     "cmpl-1",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]interface{}{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]string{"role": "assistant", "content": content},
		}},
	})
}

func writeError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"error"}}`))
}

func TestOpenAISendsSystemAndUserMessages(t *testing.T) {
	var got chatRequest
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeCompletion(w, "The stars say yes.")
	})

	res := c.Complete(context.Background(), &models.CompletionRequest{
		UserID:       1,
		SystemPrompt: "You are A.",
		Text:         "Will it rain?",
	})

	require.True(t, res.OK(), "err: %v", res.Err)
	assert.Equal(t, "The stars say yes.", res.Text)
	assert.Equal(t, "test-model", res.ModelUsed)
	assert.Equal(t, len([]rune("The stars say yes.")), res.Length)

	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "You are A.", got.Messages[0].Content)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "Will it rain?", got.Messages[1].Content)
}

func TestOpenAIRateLimitIsNotRetried(t *testing.T) {
	var calls int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeError(w, http.StatusTooManyRequests)
	})

	res := c.Complete(context.Background(), &models.CompletionRequest{Text: "hi"})

	assert.False(t, res.OK())
	assert.True(t, res.RateLimited())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenAIRetriesTransientErrors(t *testing.T) {
	var calls int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeError(w, http.StatusBadGateway)
			return
		}
		writeCompletion(w, "finally")
	})

	res := c.Complete(context.Background(), &models.CompletionRequest{Text: "hi"})

	require.True(t, res.OK(), "err: %v", res.Err)
	assert.Equal(t, "finally", res.Text)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestOpenAIGivesUpAfterRetries(t *testing.T) {
	var calls int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeError(w, http.StatusInternalServerError)
	})

	res := c.Complete(context.Background(), &models.CompletionRequest{Text: "hi"})

	assert.False(t, res.OK())
	assert.False(t, res.RateLimited())
	assert.ErrorIs(t, res.Err, models.ErrUpstream)
	assert.Equal(t, int32(maxRetries+1), atomic.LoadInt32(&calls))
}

func TestOpenAIEmptyReplyIsAnError(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "   ")
	})
	c.runner.backoff = time.Microsecond

	res := c.Complete(context.Background(), &models.CompletionRequest{Text: "hi"})
	assert.ErrorIs(t, res.Err, models.ErrUpstream)
}

func TestOpenAITruncatesLongReplies(t *testing.T) {
	long := strings.Repeat("я", MaxResponseLength+500)
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, long)
	})

	res := c.Complete(context.Background(), &models.CompletionRequest{Text: "hi"})

	require.True(t, res.OK())
	assert.Equal(t, MaxResponseLength, len([]rune(res.Text)))
	assert.True(t, strings.HasSuffix(res.Text, FallbackMessage))
}
