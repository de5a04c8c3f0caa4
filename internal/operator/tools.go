// internal/operator/tools.go
package operator

import (
	"context"
	"time"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/provider"
)

// ToolInvoker is the part of the provider manager the tool actuator needs.
type ToolInvoker interface {
	InvokeQualified(ctx context.Context, qualified string, args map[string]interface{}, timeout time.Duration) (*provider.ToolResult, error)
}

// ToolActuator executes call_tool actions against capability providers.
type ToolActuator struct {
	tools   ToolInvoker
	timeout time.Duration
}

var _ Actuator = (*ToolActuator)(nil)

// NewToolActuator creates a tool actuator with a per-call timeout.
func NewToolActuator(tools ToolInvoker, timeout time.Duration) *ToolActuator {
	return &ToolActuator{tools: tools, timeout: timeout}
}

// Execute invokes the tool named by "name" ("provider.tool"), or by
// "provider" and "tool", with the "arguments" object.
func (t *ToolActuator) Execute(ctx context.Context, action schemas.Action) (*schemas.ActionResult, error) {
	name := optionalString(action.Inputs, "name", "")
	if name == "" {
		p := optionalString(action.Inputs, "provider", "")
		tool := optionalString(action.Inputs, "tool", "")
		if p == "" || tool == "" {
			return nil, &InvalidInputError{Field: "name", Reason: "a qualified tool name is required"}
		}
		name = p + "." + tool
	}

	var args map[string]interface{}
	switch raw := action.Inputs["arguments"].(type) {
	case nil:
	case map[string]interface{}:
		args = raw
	default:
		return nil, &InvalidInputError{Field: "arguments", Reason: "must be an object"}
	}

	res, err := t.tools.InvokeQualified(ctx, name, args, t.timeout)
	if err != nil {
		return nil, err
	}
	return &schemas.ActionResult{Status: schemas.ResultSuccess, Output: res}, nil
}
