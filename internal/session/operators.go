// File: internal/session/operators.go
package session

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/agentd/internal/config"
	"github.com/xkilldash9x/agentd/internal/humanoid"
	"github.com/xkilldash9x/agentd/internal/operator"
)

// DefaultOperators builds browser sessions on chromedp, and computer sessions
// on driver. Computer sessions fail to start when driver is nil.
func DefaultOperators(cfg *config.Config, driver humanoid.Executor, screen operator.Screen) OperatorFactory {
	return func(ctx context.Context, req OperatorRequest) (*Operators, error) {
		deps := operator.Deps{
			Kind:          req.Kind,
			Tools:         req.Tools,
			ToolTimeout:   cfg.Agent.ToolTimeout,
			ActionTimeout: cfg.Agent.ActionTimeout,
			Humanoid:      cfg.Operator.Humanoid,
		}
		switch req.Kind {
		case config.OperatorBrowser:
			b := operator.NewBrowserOperator(req.Logger, cfg.Operator.Browser, cfg.Operator.Humanoid)
			if err := b.Start(ctx); err != nil {
				return nil, err
			}
			deps.Browser = b
			reg, err := operator.NewRegistryForKind(req.Logger, deps)
			if err != nil {
				_ = b.Close()
				return nil, err
			}
			return &Operators{Dispatcher: reg, Observer: b, Close: b.Close}, nil
		case config.OperatorComputer:
			if driver == nil {
				return nil, fmt.Errorf("no input driver available for the %s operator", req.Kind)
			}
			deps.Driver, deps.Screen = driver, screen
			reg, err := operator.NewRegistryForKind(req.Logger, deps)
			if err != nil {
				return nil, err
			}
			return &Operators{Dispatcher: reg, Close: func() error { return nil }}, nil
		default:
			return nil, fmt.Errorf("unknown operator kind %q", req.Kind)
		}
	}
}
