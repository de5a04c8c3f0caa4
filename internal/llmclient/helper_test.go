package llmclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/agent"
	"github.com/xkilldash9x/agentd/internal/config"
)

// -- Test Setup Helpers --

func getValidModelConfig() config.ModelConfig {
	return config.ModelConfig{
		Provider:    ProviderGemini,
		Name:        "gemini-test",
		APIKey:      "test-api-key",
		Temperature: 0.2,
		MaxTokens:   512,
		Timeout:     5 * time.Second,
	}
}

func createTestRequest() agent.PredictionRequest {
	return agent.PredictionRequest{
		SessionID:   "s1",
		Instruction: "open the settings",
		Iteration:   2,
		ActionTypes: []string{"click", "type"},
		History: []schemas.ConversationEntry{
			{ID: "e1", Origin: schemas.OriginHuman, Text: "open the settings"},
		},
		Observation: &schemas.Observation{ID: "o1", MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
	}
}

// newMockServer starts a server that fails the test on unexpected requests
// when handler is nil.
func newMockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected HTTP request to %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return zap.New(core), logs
}
