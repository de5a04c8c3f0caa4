// File: internal/agent/retry.go
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/config"
)

// RetryingModel retries transient model failures with exponential backoff.
type RetryingModel struct {
	next   Model
	cfg    config.RetryConfig
	logger *zap.Logger

	// backoffFactory allows for injecting a custom backoff strategy for testing.
	backoffFactory func() backoff.BackOff
}

var _ Model = (*RetryingModel)(nil)

// WithRetry wraps next. Configuration errors and cancellation are never retried.
func WithRetry(next Model, cfg config.RetryConfig, logger *zap.Logger) *RetryingModel {
	r := &RetryingModel{next: next, cfg: cfg, logger: logger.Named("model_retry")}
	r.backoffFactory = r.exponential
	return r
}

func (r *RetryingModel) exponential() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		b.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		b.MaxInterval = r.cfg.MaxInterval
	}
	b.MaxElapsedTime = r.cfg.MaxElapsedTime
	return b
}

// Predict calls the wrapped model until it succeeds, a permanent error occurs
// or the retry budget is spent. The last error is returned on exhaustion.
func (r *RetryingModel) Predict(ctx context.Context, req PredictionRequest) (string, error) {
	var out string
	attempt := 0
	operation := func() error {
		attempt++
		res, err := r.next.Predict(ctx, req)
		if err == nil {
			out = res
			return nil
		}
		if isPermanent(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Model call failed, retrying.",
			zap.String("session_id", req.SessionID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.backoffFactory(), r.cfg.MaxRetries), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return "", err
	}
	return out, nil
}

func isPermanent(ctx context.Context, err error) bool {
	var cfgErr *schemas.ModelConfigError
	switch {
	case ctx.Err() != nil:
		return true
	case errors.Is(err, context.Canceled):
		return true
	case errors.As(err, &cfgErr):
		return true
	}
	return false
}
