package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nullpath/webpilot/api/schemas"
	"github.com/nullpath/webpilot/internal/config"
)

// setupOllamaClient rigs up an OllamaClient pointed at a mock HTTP server.
func setupOllamaClient(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewOllamaClient(config.LLMConfig{
		Provider:   config.ProviderOllama,
		Model:      "qwen3",
		Endpoint:   server.URL,
		APITimeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func testGenerationRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		System: "You are a browser agent.",
		Messages: []schemas.ChatMessage{
			{Role: schemas.RoleUser, Content: "Task: read the page"},
			{Role: schemas.RoleModel, Content: "I will launch a browser."},
			{Role: schemas.RoleUser, Content: "Action result: launched"},
		},
		Options: schemas.GenerationOptions{Temperature: 0.2},
	}
}

func TestOllamaGenerateResponse(t *testing.T) {
	t.Parallel()

	var captured ollamaRequestPayload
	client := setupOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "take_screenshot"},
			"done":    true,
		})
	})

	got, err := client.GenerateResponse(context.Background(), testGenerationRequest())
	require.NoError(t, err)
	assert.Equal(t, "take_screenshot", got)

	// The system prompt leads, roles map onto ollama's chat roles, and
	// streaming is off.
	require.Len(t, captured.Messages, 4)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)
	assert.Equal(t, "assistant", captured.Messages[2].Role)
	assert.False(t, captured.Stream)
	assert.Equal(t, "qwen3", captured.Model)
	assert.InDelta(t, 0.2, captured.Options.Temperature, 1e-6)
}

func TestOllamaForceJSONFormat(t *testing.T) {
	t.Parallel()

	var captured ollamaRequestPayload
	client := setupOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"content": "{}"},
		})
	})

	req := testGenerationRequest()
	req.Options.ForceJSONFormat = true
	_, err := client.GenerateResponse(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "json", captured.Format)
}

func TestOllamaRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := setupOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"content": "recovered"},
		})
	})

	got, err := client.GenerateResponse(context.Background(), testGenerationRequest())
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOllamaClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := setupOllamaClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.GenerateResponse(context.Background(), testGenerationRequest())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx responses must not be retried")
}

func TestOllamaDefaultEndpoint(t *testing.T) {
	t.Parallel()

	client, err := NewOllamaClient(config.LLMConfig{Model: "qwen3"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434/api/chat", client.endpoint)
}
