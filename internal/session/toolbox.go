// File: internal/session/toolbox.go
package session

import (
	"context"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/agent"
	"github.com/xkilldash9x/agentd/internal/provider"
)

// providerToolbox starts a session's providers at the beginning of each run.
// Providers already live are reused.
type providerToolbox struct {
	providers *provider.Manager
	specs     []provider.Spec
}

var _ agent.Toolbox = (*providerToolbox)(nil)

func (t *providerToolbox) Prepare(ctx context.Context) ([]error, error) {
	if len(t.specs) == 0 {
		return nil, nil
	}
	report := t.providers.StartAll(ctx, t.specs)
	required := make(map[*schemas.ProviderStartupError]struct{}, len(report.Required))
	for _, f := range report.Required {
		required[f] = struct{}{}
	}
	var degraded []error
	for _, f := range report.Failures {
		if _, ok := required[f]; !ok {
			degraded = append(degraded, f)
		}
	}
	return degraded, report.Err()
}

func (t *providerToolbox) Tools() []schemas.ToolDescriptor {
	return t.providers.Tools()
}
