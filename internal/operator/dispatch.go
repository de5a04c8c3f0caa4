// internal/operator/dispatch.go
package operator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
)

// Actuator performs actions against the controlled environment.
type Actuator interface {
	Execute(ctx context.Context, action schemas.Action) (*schemas.ActionResult, error)
}

// ActuatorFunc adapts a function to the Actuator interface.
type ActuatorFunc func(ctx context.Context, action schemas.Action) (*schemas.ActionResult, error)

// Execute calls f.
func (f ActuatorFunc) Execute(ctx context.Context, action schemas.Action) (*schemas.ActionResult, error) {
	return f(ctx, action)
}

// ErrRegistrySealed is returned when registering into a sealed registry.
var ErrRegistrySealed = errors.New("operator registry is sealed")

// Registry maps action types to actuators. It is filled at session
// construction, sealed, and read-only afterwards.
type Registry struct {
	logger    *zap.Logger
	kind      string
	timeout   time.Duration
	mu        sync.RWMutex
	actuators map[string]Actuator
	sealed    bool
}

// NewRegistry creates an empty registry for the given operator kind. A
// positive timeout bounds every dispatched action.
func NewRegistry(logger *zap.Logger, kind string, timeout time.Duration) *Registry {
	return &Registry{
		logger:    logger.Named("dispatch").With(zap.String("operator", kind)),
		kind:      kind,
		timeout:   timeout,
		actuators: make(map[string]Actuator),
	}
}

// Register associates an actuator with one or more action types.
func (r *Registry) Register(a Actuator, types ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	if a == nil {
		return fmt.Errorf("nil actuator for %v", types)
	}
	for _, t := range types {
		if t == "" {
			return fmt.Errorf("empty action type")
		}
		if schemas.IsTerminalAction(t) {
			return fmt.Errorf("action type %q ends the run and cannot be dispatched", t)
		}
		if _, dup := r.actuators[t]; dup {
			return fmt.Errorf("action type %q registered twice", t)
		}
		r.actuators[t] = a
	}
	return nil
}

// Seal closes the registry. A registry without actuators is rejected.
func (r *Registry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.actuators) == 0 {
		return fmt.Errorf("operator %q has no actuators", r.kind)
	}
	r.sealed = true
	return nil
}

// Kind reports the operator kind this registry serves.
func (r *Registry) Kind() string { return r.kind }

// Types lists the registered action types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actuators))
	for t := range r.actuators {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch routes action to its actuator. It never returns an error: unknown
// types, actuator errors, panics and timeouts all become failed results.
func (r *Registry) Dispatch(ctx context.Context, action schemas.Action) *schemas.ActionResult {
	started := time.Now()
	r.mu.RLock()
	a, ok := r.actuators[action.Type]
	sealed := r.sealed
	r.mu.RUnlock()

	if !ok {
		err := &schemas.UnsupportedActionError{ActionType: action.Type, Operator: r.kind}
		return failed(err, schemas.ErrCodeUnknownAction, started)
	}
	if !sealed {
		return failed(fmt.Errorf("operator registry used before it was sealed"), schemas.ErrCodeInternal, started)
	}

	actionCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		actionCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	res, err := r.run(actionCtx, a, action)
	switch {
	case err != nil && ctx.Err() == nil && errors.Is(actionCtx.Err(), context.DeadlineExceeded):
		return failed(fmt.Errorf("action %q timed out after %s: %w", action.Type, r.timeout, err), schemas.ErrCodeTimeoutError, started)
	case err != nil:
		return failed(err, ClassifyError(err), started)
	case res == nil:
		res = &schemas.ActionResult{Status: schemas.ResultSuccess}
	}
	if res.Status == "" {
		res.Status = schemas.ResultSuccess
	}
	if res.Duration == 0 {
		res.Duration = time.Since(started)
	}
	return res
}

// run executes the actuator on its own goroutine so a hung actuator cannot
// outlive actionCtx, and converts panics into errors.
func (r *Registry) run(ctx context.Context, a Actuator, action schemas.Action) (*schemas.ActionResult, error) {
	type outcome struct {
		res *schemas.ActionResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Actuator panicked.",
					zap.String("action_type", action.Type),
					zap.Any("panic_value", p),
					zap.Stack("stack"))
				ch <- outcome{err: &panicError{value: p}}
			}
		}()
		res, err := a.Execute(ctx, action)
		ch <- outcome{res, err}
	}()
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type panicError struct{ value interface{} }

func (e *panicError) Error() string { return fmt.Sprintf("actuator panic: %v", e.value) }

func failed(err error, code schemas.ErrorCode, started time.Time) *schemas.ActionResult {
	return &schemas.ActionResult{
		Status:       schemas.ResultFailed,
		ErrorCode:    code,
		ErrorMessage: err.Error(),
		Duration:     time.Since(started),
		Err:          err,
	}
}

// ClassifyError maps an actuator error to a structured code, falling back to
// message heuristics for errors raised by browser automation.
func ClassifyError(err error) schemas.ErrorCode {
	var inputErr *InvalidInputError
	var pErr *panicError
	switch {
	case errors.As(err, &inputErr):
		return schemas.ErrCodeInvalidParameters
	case errors.As(err, &pErr):
		return schemas.ErrCodeExecutorPanic
	}
	if code := schemas.CodeOf(err); code != schemas.ErrCodeExecutionFailure {
		return code
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no element found") || strings.Contains(msg, "could not find node"):
		return schemas.ErrCodeElementNotFound
	case strings.Contains(msg, "net::ERR"):
		return schemas.ErrCodeNavigationError
	case strings.Contains(msg, "timeout"):
		return schemas.ErrCodeTimeoutError
	}
	return schemas.ErrCodeExecutionFailure
}
