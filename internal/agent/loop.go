// File: internal/agent/loop.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/config"
)

const defaultMaxLoops = 25

// Allows for mocking in tests.
var uuidNewString = uuid.NewString

// LoopDeps are the collaborators of one session's loop. Observer and Toolbox
// are optional.
type LoopDeps struct {
	Model      Model
	Observer   Observer
	Dispatcher Dispatcher
	Toolbox    Toolbox
	Events     Publisher
	Logger     *zap.Logger
	Config     config.AgentConfig
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithHistory seeds the loop with a prior conversation, e.g. a restored transcript.
func WithHistory(history []schemas.ConversationEntry, status schemas.Status) LoopOption {
	return func(l *Loop) {
		l.history = append([]schemas.ConversationEntry(nil), history...)
		if status != "" && status != schemas.StatusRunning {
			l.status = status
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) LoopOption {
	return func(l *Loop) { l.now = now }
}

// Loop is the think-act-observe state machine of one session. At most one
// run is in flight at a time; every status change, history append and
// lifecycle event happens under mu so subscribers see a consistent order.
type Loop struct {
	sessionID string
	deps      LoopDeps
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	status      schemas.Status
	history     []schemas.ConversationEntry
	iteration   int
	running     bool
	aborted     bool
	cancel      context.CancelFunc
	instruction string
}

// NewLoop creates a loop in INIT status.
func NewLoop(sessionID string, deps LoopDeps, opts ...LoopOption) *Loop {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Config.MaxLoops <= 0 {
		deps.Config.MaxLoops = defaultMaxLoops
	}
	l := &Loop{
		sessionID: sessionID,
		deps:      deps,
		logger:    deps.Logger.Named("loop").With(zap.String("session_id", sessionID)),
		now:       time.Now,
		status:    schemas.StatusInit,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Status returns the current status.
func (l *Loop) Status() schemas.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Running reports whether a run is in flight.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Iteration returns the iteration count of the current or last run.
func (l *Loop) Iteration() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.iteration
}

// Instruction returns the text of the latest human query.
func (l *Loop) Instruction() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.instruction
}

// History returns a copy of the conversation.
func (l *Loop) History() []schemas.ConversationEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]schemas.ConversationEntry(nil), l.history...)
}

// ClearHistory drops the conversation. It fails while a run is in flight.
func (l *Loop) ClearHistory() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return schemas.ErrSessionBusy
	}
	l.history = nil
	l.iteration = 0
	l.instruction = ""
	l.setStatusLocked(schemas.StatusEnd)
	return nil
}

// Abort cancels the in-flight run. It returns false when there is nothing to
// abort. The run-aborted event is published before any further history event.
func (l *Loop) Abort() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running || l.aborted {
		return false
	}
	l.aborted = true
	l.publishLocked(schemas.EventRunAborted, schemas.AbortPayload{Iteration: l.iteration})
	l.cancel()
	l.logger.Info("Run aborted.", zap.Int("iteration", l.iteration))
	return true
}

// Run executes one run for instruction and blocks until it reaches a
// terminal status. A second call while a run is in flight returns a busy
// result immediately and leaves the history untouched.
func (l *Loop) Run(ctx context.Context, instruction string) (result schemas.RunResult) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return schemas.RunResult{SessionID: l.sessionID, Status: schemas.StatusRunning, Busy: true, Err: schemas.ErrSessionBusy}
	}
	l.running = true
	l.aborted = false
	l.cancel = cancel
	l.iteration = 0
	l.instruction = instruction
	l.setStatusLocked(schemas.StatusRunning)
	now := l.now()
	l.appendLocked(schemas.ConversationEntry{
		Origin: schemas.OriginHuman,
		Text:   instruction,
		Timing: &schemas.Timing{Start: now, End: now},
	})
	l.mu.Unlock()

	l.logger.Info("Run started.", zap.Int("max_loops", l.deps.Config.MaxLoops))

	status := schemas.StatusError
	var runErr error
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("Panic recovered in agent loop.",
				zap.Any("panic_value", p),
				zap.Stack("stack"))
			status = schemas.StatusError
			runErr = fmt.Errorf("internal error: %v", p)
			l.appendError(schemas.ErrCodeInternal, runErr, "")
		}
		result = l.finish(status, runErr)
	}()

	status, runErr = l.execute(runCtx)
	return result
}

// finish leaves the running state. An aborted run always ends in END.
func (l *Loop) finish(status schemas.Status, runErr error) schemas.RunResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.aborted {
		status = schemas.StatusEnd
		runErr = &schemas.AbortedError{SessionID: l.sessionID}
	}
	l.running = false
	l.cancel = nil
	l.setStatusLocked(status)

	fields := []zap.Field{zap.String("status", string(status)), zap.Int("iterations", l.iteration)}
	if runErr != nil {
		fields = append(fields, zap.Error(runErr))
	}
	l.logger.Info("Run finished.", fields...)
	return schemas.RunResult{SessionID: l.sessionID, Status: status, Iterations: l.iteration, Err: runErr}
}

// execute runs iterations until a terminal status is reached.
func (l *Loop) execute(ctx context.Context) (schemas.Status, error) {
	var tools []schemas.ToolDescriptor
	if tb := l.deps.Toolbox; tb != nil {
		degraded, err := tb.Prepare(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return schemas.StatusEnd, ctx.Err()
			}
			l.appendError(schemas.CodeOf(err), err, "")
			return schemas.StatusError, err
		}
		for _, failure := range degraded {
			l.appendError(schemas.CodeOf(failure), failure, "")
		}
		tools = tb.Tools()
	}
	var actionTypes []string
	if l.deps.Dispatcher != nil {
		actionTypes = l.deps.Dispatcher.Types()
	}

	for {
		if ctx.Err() != nil {
			return schemas.StatusEnd, ctx.Err()
		}
		iteration := l.nextIteration()
		started := l.now()

		var obs *schemas.Observation
		if l.deps.Observer != nil {
			var err error
			if obs, err = l.deps.Observer.Observe(ctx); err != nil {
				if ctx.Err() != nil {
					return schemas.StatusEnd, ctx.Err()
				}
				err = fmt.Errorf("observation failed: %w", err)
				l.appendError(schemas.ErrCodeObservation, err, "")
				return schemas.StatusError, err
			}
		}

		if ctx.Err() != nil {
			return schemas.StatusEnd, ctx.Err()
		}
		raw, err := l.deps.Model.Predict(ctx, PredictionRequest{
			SessionID:   l.sessionID,
			Instruction: l.Instruction(),
			History:     l.History(),
			Observation: obs,
			Iteration:   iteration,
			ActionTypes: actionTypes,
			Tools:       tools,
		})
		if err != nil {
			if ctx.Err() != nil {
				return schemas.StatusEnd, ctx.Err()
			}
			err = fmt.Errorf("model call failed: %w", err)
			code := schemas.ErrCodeModel
			var cfgErr *schemas.ModelConfigError
			if errors.As(err, &cfgErr) {
				code = schemas.ErrCodeModelConfig
			}
			l.appendError(code, err, "")
			return schemas.StatusError, err
		}

		pred, parseErr := ParsePrediction(raw)
		entry := schemas.ConversationEntry{
			Origin:    schemas.OriginAgent,
			Text:      pred.Thought,
			Actions:   pred.Actions,
			Iteration: iteration,
		}
		if obs != nil {
			entry.ObservationRef = obs.ID
		}
		if parseErr != nil {
			l.logger.Warn("Unparsable prediction treated as no-op.", zap.Int("iteration", iteration), zap.Error(parseErr))
			entry.Text = raw
			entry.ParseError = parseErr.Error()
		}
		end := l.now()
		entry.Timing = &schemas.Timing{Start: started, End: end, Cost: end.Sub(started)}
		if !l.append(entry) {
			return schemas.StatusEnd, ctx.Err()
		}

		for i, action := range pred.Actions {
			if ctx.Err() != nil {
				return schemas.StatusEnd, ctx.Err()
			}
			l.publish(schemas.EventThinkingStarted, schemas.ThinkingPayload{Iteration: iteration, ActionIndex: i, Action: action})

			switch action.Type {
			case schemas.ActionFinished:
				return schemas.StatusEnd, nil
			case schemas.ActionCallUser:
				return schemas.StatusCallUser, nil
			}

			res := l.dispatch(ctx, action)
			l.publish(schemas.EventActionResult, schemas.ActionResultPayload{Iteration: iteration, Action: action, Result: *res})
			if res.Failed() {
				if ctx.Err() != nil {
					return schemas.StatusEnd, ctx.Err()
				}
				l.logger.Warn("Action failed.",
					zap.Int("iteration", iteration),
					zap.String("action_type", action.Type),
					zap.String("error_code", string(res.ErrorCode)),
					zap.String("error", res.ErrorMessage))
				l.appendError(res.ErrorCode, errors.New(res.ErrorMessage), action.Type)
			}
		}

		l.publish(schemas.EventProgress, schemas.ProgressPayload{Iteration: iteration, MaxLoops: l.deps.Config.MaxLoops})
		if ctx.Err() != nil {
			return schemas.StatusEnd, ctx.Err()
		}
		if iteration >= l.deps.Config.MaxLoops {
			err := &schemas.MaxIterationsExceeded{Limit: l.deps.Config.MaxLoops}
			l.logger.Warn("Iteration cap reached.", zap.Int("max_loops", l.deps.Config.MaxLoops))
			return schemas.StatusMaxLoop, err
		}
		if err := sleep(ctx, l.deps.Config.LoopInterval); err != nil {
			return schemas.StatusEnd, err
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, action schemas.Action) *schemas.ActionResult {
	if l.deps.Dispatcher == nil {
		err := &schemas.UnsupportedActionError{ActionType: action.Type}
		return &schemas.ActionResult{Status: schemas.ResultFailed, ErrorCode: schemas.ErrCodeUnknownAction, ErrorMessage: err.Error(), Err: err}
	}
	res := l.deps.Dispatcher.Dispatch(ctx, action)
	if res == nil {
		res = &schemas.ActionResult{Status: schemas.ResultSuccess}
	}
	return res
}

func (l *Loop) nextIteration() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iteration++
	return l.iteration
}

// append adds entry unless the run was aborted, in which case nothing more
// may reach the history.
func (l *Loop) append(entry schemas.ConversationEntry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.aborted {
		return false
	}
	l.appendLocked(entry)
	return true
}

// appendError records a failure as its own history entry.
func (l *Loop) appendError(code schemas.ErrorCode, err error, actionType string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.aborted {
		return
	}
	l.appendLocked(schemas.ConversationEntry{
		Origin:    schemas.OriginAgent,
		Iteration: l.iteration,
		Error:     &schemas.EntryError{Code: code, Message: err.Error(), ActionType: actionType},
	})
}

func (l *Loop) appendLocked(entry schemas.ConversationEntry) {
	entry.ID = uuidNewString()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	l.history = append(l.history, entry)
	l.publishLocked(schemas.EventHistoryAppended, schemas.HistoryPayload{Entry: entry})
}

// publish emits a lifecycle event unless the run was aborted.
func (l *Loop) publish(tp schemas.EventType, payload interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.aborted {
		return
	}
	l.publishLocked(tp, payload)
}

func (l *Loop) setStatusLocked(s schemas.Status) {
	prev := l.status
	l.status = s
	if prev != s {
		l.publishLocked(schemas.EventStatusChanged, schemas.StatusPayload{Status: s, Previous: prev})
	}
}

func (l *Loop) publishLocked(tp schemas.EventType, payload interface{}) {
	if l.deps.Events == nil {
		return
	}
	l.deps.Events.Publish(l.sessionID, schemas.Event{Type: tp, SessionID: l.sessionID, Time: l.now().UTC(), Payload: payload})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
