// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/agent"
	"github.com/xkilldash9x/agentd/internal/config"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// NewModel builds the model named by cfg. An incomplete or unknown
// configuration yields a *schemas.ModelConfigError. Retries are applied by the
// caller through agent.WithRetry.
func NewModel(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (agent.Model, error) {
	if missing := cfg.Check(); len(missing) > 0 {
		return nil, &schemas.ModelConfigError{Missing: missing}
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		// Only a base URL was given; assume the de facto protocol.
		provider = ProviderOpenAI
	}

	var (
		model agent.Model
		err   error
	)
	switch provider {
	case ProviderGemini:
		model, err = NewGeminiClient(ctx, cfg, logger)
	case ProviderOpenAI, "openai-compatible":
		model, err = NewOpenAIClient(cfg, logger)
	default:
		return nil, &schemas.ModelConfigError{
			Reason: fmt.Sprintf("unknown or unsupported model provider '%s'. Supported: [%s, %s]", cfg.Provider, ProviderGemini, ProviderOpenAI),
		}
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("Model client initialized.", zap.String("provider", provider), zap.String("model", cfg.Name))
	return model, nil
}
