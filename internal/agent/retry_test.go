package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/config"
)

func newTestRetry(t *testing.T, next Model, maxRetries uint64) *RetryingModel {
	t.Helper()
	r := WithRetry(next, config.RetryConfig{MaxRetries: maxRetries}, zaptest.NewLogger(t))
	r.backoffFactory = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}
	return r
}

func TestRetry_RecoversFromTransientFailures(t *testing.T) {
	m := new(MockModel)
	m.On("Predict", mock.Anything, mock.Anything).Return("", errors.New("503 unavailable")).Twice()
	m.On("Predict", mock.Anything, mock.Anything).Return(`[{"type":"finished"}]`, nil).Once()

	out, err := newTestRetry(t, m, 3).Predict(context.Background(), PredictionRequest{SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, `[{"type":"finished"}]`, out)
	m.AssertNumberOfCalls(t, "Predict", 3)
}

func TestRetry_ExhaustionReturnsLastError(t *testing.T) {
	m := new(MockModel)
	m.On("Predict", mock.Anything, mock.Anything).Return("", errors.New("503 unavailable"))

	_, err := newTestRetry(t, m, 2).Predict(context.Background(), PredictionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	m.AssertNumberOfCalls(t, "Predict", 3)
}

func TestRetry_ConfigErrorsArePermanent(t *testing.T) {
	m := new(MockModel)
	cfgErr := &schemas.ModelConfigError{Missing: []string{"name"}}
	m.On("Predict", mock.Anything, mock.Anything).Return("", cfgErr)

	_, err := newTestRetry(t, m, 5).Predict(context.Background(), PredictionRequest{})
	var got *schemas.ModelConfigError
	require.ErrorAs(t, err, &got)
	m.AssertNumberOfCalls(t, "Predict", 1)
}

func TestRetry_StopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	model := ModelFunc(func(ctx context.Context, req PredictionRequest) (string, error) {
		calls++
		cancel()
		return "", ctx.Err()
	})

	_, err := newTestRetry(t, model, 5).Predict(ctx, PredictionRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
