// File: internal/agent/interfaces.go
package agent

import (
	"context"

	"github.com/xkilldash9x/agentd/api/schemas"
)

// PredictionRequest is everything the model sees for one iteration.
type PredictionRequest struct {
	SessionID   string
	Instruction string
	// History is a detached copy; the model may keep it.
	History     []schemas.ConversationEntry
	Observation *schemas.Observation
	Iteration   int
	ActionTypes []string
	Tools       []schemas.ToolDescriptor
}

// Model produces the raw text of a prediction. Implementations must honor ctx
// cancellation; the loop relies on it to interrupt a blocking call.
type Model interface {
	Predict(ctx context.Context, req PredictionRequest) (string, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, req PredictionRequest) (string, error)

func (f ModelFunc) Predict(ctx context.Context, req PredictionRequest) (string, error) {
	return f(ctx, req)
}

// Observer captures the state of the controlled environment.
type Observer interface {
	Observe(ctx context.Context) (*schemas.Observation, error)
}

// Dispatcher executes actions. Dispatch never fails; failures come back as
// failed results.
type Dispatcher interface {
	Dispatch(ctx context.Context, action schemas.Action) *schemas.ActionResult
	Types() []string
}

// Toolbox prepares the capability providers a run depends on.
type Toolbox interface {
	// Prepare starts the configured providers. Optional providers that failed
	// to start are returned as degraded; err is set only when a provider the
	// run requires could not be started.
	Prepare(ctx context.Context) (degraded []error, err error)
	Tools() []schemas.ToolDescriptor
}

// Publisher receives the loop's lifecycle events. Publish must not block.
type Publisher interface {
	Publish(sessionID string, ev schemas.Event)
}
