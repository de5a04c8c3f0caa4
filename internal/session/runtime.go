// File: internal/session/runtime.go
package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/agent"
	"github.com/xkilldash9x/agentd/internal/config"
	"github.com/xkilldash9x/agentd/internal/events"
	"github.com/xkilldash9x/agentd/internal/operator"
	"github.com/xkilldash9x/agentd/internal/provider"
)

// ModelFactory builds the model a session predicts with.
type ModelFactory func(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (agent.Model, error)

// OperatorRequest describes the actuator wiring needed for a new session.
type OperatorRequest struct {
	SessionID string
	Kind      string
	// Tools routes call_tool actions to the session's providers.
	Tools  operator.ToolInvoker
	Logger *zap.Logger
}

// Operators is the actuator side of a session.
type Operators struct {
	Dispatcher agent.Dispatcher
	// Observer may be nil when the operator cannot observe its environment.
	Observer agent.Observer
	Close    func() error
}

// OperatorFactory builds the operators of a new session.
type OperatorFactory func(ctx context.Context, req OperatorRequest) (*Operators, error)

// PermissionChecker verifies that the host allows the given operator kind to run.
// It returns a *schemas.PermissionError when something is missing.
type PermissionChecker interface {
	Check(ctx context.Context, kind string) error
}

// PermissionCheckerFunc adapts a function to PermissionChecker.
type PermissionCheckerFunc func(ctx context.Context, kind string) error

func (f PermissionCheckerFunc) Check(ctx context.Context, kind string) error { return f(ctx, kind) }

// TranscriptStore persists session transcripts between process restarts.
type TranscriptStore interface {
	Save(ctx context.Context, snap schemas.SessionSnapshot) error
	// Load returns nil and no error when nothing was saved for sessionID.
	Load(ctx context.Context, sessionID string) (*schemas.SessionSnapshot, error)
}

// Runtime bundles the process-wide collaborators sessions are built from.
// It is constructed once and passed to NewManager.
type Runtime struct {
	Config      *config.Config
	Logger      *zap.Logger
	Bridge      *events.Bridge
	Models      ModelFactory
	Operators   OperatorFactory
	Permissions PermissionChecker
	Transcripts TranscriptStore
	// ExtraProviders are started for every session next to the configured ones.
	ExtraProviders []provider.Spec
	// ProviderOptions are applied to every session's provider manager.
	ProviderOptions []provider.Option
}

func (rt *Runtime) validate() error {
	switch {
	case rt == nil:
		return fmt.Errorf("runtime is nil")
	case rt.Config == nil:
		return fmt.Errorf("runtime config is required")
	case rt.Bridge == nil:
		return fmt.Errorf("runtime event bridge is required")
	case rt.Models == nil:
		return fmt.Errorf("runtime model factory is required")
	case rt.Operators == nil:
		return fmt.Errorf("runtime operator factory is required")
	}
	return nil
}

// ProviderSpecs converts provider declarations into launch specs.
func ProviderSpecs(cfgs []config.ProviderConfig) []provider.Spec {
	specs := make([]provider.Spec, 0, len(cfgs))
	for _, c := range cfgs {
		specs = append(specs, provider.Spec{
			Name:         c.Name,
			Command:      c.Command,
			Args:         c.Args,
			Env:          c.Env,
			Required:     c.Required,
			StartTimeout: c.StartTimeout,
		})
	}
	return specs
}
