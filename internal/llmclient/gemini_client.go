// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/agent"
	"github.com/xkilldash9x/agentd/internal/config"
)

// GeminiClient implements agent.Model on top of the Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
	config config.ModelConfig
	logger *zap.Logger
}

var _ agent.Model = (*GeminiClient)(nil)

// NewGeminiClient initializes the client. BaseURL, when set, overrides the
// public endpoint.
func NewGeminiClient(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, &schemas.ModelConfigError{Missing: []string{"api_key"}}
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  cfg.Name,
		config: cfg,
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

// Predict sends one prediction request. Retries are left to agent.WithRetry;
// errors that must not be retried are marked permanent.
func (c *GeminiClient) Predict(ctx context.Context, req agent.PredictionRequest) (string, error) {
	system, user := buildPrompt(req)

	parts := []*genai.Part{genai.NewPartFromText(user)}
	if req.Observation != nil && len(req.Observation.Data) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Observation.Data, req.Observation.MimeType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	genConfig := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr(c.config.Temperature),
		ResponseMIMEType:  "application/json",
	}
	if c.config.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(c.config.MaxTokens)
	}

	startTime := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genConfig)
	duration := time.Since(startTime)
	if err != nil {
		return "", c.classify(ctx, err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", backoff.Permanent(fmt.Errorf("gemini API blocked the prompt (Reason: %s)", resp.PromptFeedback.BlockReason))
	}
	if len(resp.Candidates) == 0 {
		return "", backoff.Permanent(errors.New("gemini API returned no candidates"))
	}

	candidate := resp.Candidates[0]
	text := candidateText(candidate)
	if text == "" {
		if candidate.FinishReason == genai.FinishReasonSafety || candidate.FinishReason == genai.FinishReasonBlocklist {
			return "", backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
		}
		return "", fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
	}

	fields := []zap.Field{
		zap.String("session_id", req.SessionID),
		zap.Int("iteration", req.Iteration),
		zap.Duration("duration", duration),
	}
	if u := resp.UsageMetadata; u != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", u.PromptTokenCount),
			zap.Int32("completion_tokens", u.CandidatesTokenCount),
			zap.Int32("total_tokens", u.TotalTokenCount),
		)
	}
	c.logger.Info("LLM generation complete (Gemini)", fields...)
	return text, nil
}

func candidateText(candidate *genai.Candidate) string {
	if candidate == nil || candidate.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range candidate.Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// classify maps SDK errors onto retry semantics: rate limits and server
// errors stay transient, rejected credentials become configuration errors and
// other client errors are permanent.
func (c *GeminiClient) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	default:
		c.logger.Warn("Network error during LLM request.", zap.Error(err))
		return fmt.Errorf("gemini request failed: %w", err)
	}

	c.logger.Error("Gemini API returned error status", zap.Int("status", code), zap.Error(err))
	return classifyStatus(code, fmt.Errorf("gemini API error: %w", err))
}

// classifyStatus is shared by the HTTP based clients.
func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &schemas.ModelConfigError{Reason: err.Error()}
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return err
	default:
		return backoff.Permanent(err)
	}
}
