// internal/operator/factory.go
package operator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/config"
	"github.com/xkilldash9x/agentd/internal/humanoid"
)

// Deps carries what NewRegistryForKind needs for either operator kind.
type Deps struct {
	Kind          string
	Driver        humanoid.Executor // computer kind
	Screen        Screen            // computer kind
	Browser       *BrowserOperator  // browser kind
	Tools         ToolInvoker       // optional
	ToolTimeout   time.Duration
	ActionTimeout time.Duration
	Humanoid      config.HumanoidConfig
}

// NewRegistryForKind builds and seals the dispatch registry for one session.
func NewRegistryForKind(logger *zap.Logger, deps Deps) (*Registry, error) {
	r := NewRegistry(logger, deps.Kind, deps.ActionTimeout)

	switch deps.Kind {
	case config.OperatorComputer:
		if deps.Driver == nil {
			return nil, fmt.Errorf("computer operator requires an input driver")
		}
		c := NewComputerOperator(logger, deps.Driver, deps.Screen, deps.Humanoid)
		if err := r.Register(c, c.Types()...); err != nil {
			return nil, err
		}
	case config.OperatorBrowser:
		if deps.Browser == nil {
			return nil, fmt.Errorf("browser operator requires a browser")
		}
		if err := r.Register(deps.Browser, deps.Browser.Types()...); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown operator kind %q", deps.Kind)
	}

	if deps.Tools != nil {
		if err := r.Register(NewToolActuator(deps.Tools, deps.ToolTimeout), schemas.ActionCallTool); err != nil {
			return nil, err
		}
	}
	if err := r.Seal(); err != nil {
		return nil, err
	}
	return r, nil
}
