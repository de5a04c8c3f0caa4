// internal/llmclient/openai_client.go
package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/agent"
	"github.com/xkilldash9x/agentd/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient implements agent.Model for any endpoint speaking the OpenAI
// chat completions protocol, which covers most self-hosted vision models.
type OpenAIClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	config     config.ModelConfig
}

var _ agent.Model = (*OpenAIClient)(nil)

// -- Chat Completions Request/Response Structures (Internal to this file) --
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewOpenAIClient initializes the client. The API key is optional since
// local servers usually run without one.
func NewOpenAIClient(cfg config.ModelConfig, logger *zap.Logger) (*OpenAIClient, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		if cfg.APIKey == "" {
			return nil, &schemas.ModelConfigError{Missing: []string{"api_key"}}
		}
		base = defaultOpenAIBaseURL
	}

	return &OpenAIClient{
		apiKey:   cfg.APIKey,
		endpoint: base + "/chat/completions",
		config:   cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.Named("llm_client.openai"),
	}, nil
}

// Predict sends one chat completion request.
func (c *OpenAIClient) Predict(ctx context.Context, req agent.PredictionRequest) (string, error) {
	body, err := json.Marshal(c.buildRequestPayload(req))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to marshal request payload: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	duration := time.Since(startTime)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Warn("Network error during LLM request.", zap.Error(err))
		return "", fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Model API returned error status", zap.Int("status", resp.StatusCode), zap.String("response", string(respBody)))
		return "", classifyStatus(resp.StatusCode, fmt.Errorf("model API error: status %d, body: %s", resp.StatusCode, string(respBody)))
	}

	var payload chatResponse
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
	}
	if len(payload.Choices) == 0 {
		return "", backoff.Permanent(errors.New("model API returned no choices"))
	}
	choice := payload.Choices[0]
	if strings.TrimSpace(choice.Message.Content) == "" {
		if choice.FinishReason == "content_filter" {
			return "", backoff.Permanent(errors.New("model API filtered the response"))
		}
		return "", fmt.Errorf("model API returned empty content (Reason: %s)", choice.FinishReason)
	}

	c.logger.Info("LLM generation complete (OpenAI compatible)",
		zap.String("session_id", req.SessionID),
		zap.Int("iteration", req.Iteration),
		zap.Duration("duration", duration),
		zap.Int("prompt_tokens", payload.Usage.PromptTokens),
		zap.Int("completion_tokens", payload.Usage.CompletionTokens),
		zap.Int("total_tokens", payload.Usage.TotalTokens),
	)
	return choice.Message.Content, nil
}

func (c *OpenAIClient) buildRequestPayload(req agent.PredictionRequest) chatRequest {
	system, user := buildPrompt(req)

	userParts := []contentPart{{Type: "text", Text: user}}
	if req.Observation != nil && len(req.Observation.Data) > 0 {
		mime := req.Observation.MimeType
		if mime == "" {
			mime = "image/png"
		}
		userParts = append(userParts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Observation.Data)},
		})
	}

	return chatRequest{
		Model: c.config.Name,
		Messages: []chatMessage{
			{Role: "system", Content: []contentPart{{Type: "text", Text: system}}},
			{Role: "user", Content: userParts},
		},
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	}
}
