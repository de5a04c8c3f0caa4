// File: internal/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/agent"
	"github.com/xkilldash9x/agentd/internal/provider"
)

// ErrSessionExists is returned by CreateSession for an id already in use.
var ErrSessionExists = errors.New("session already exists")

// ErrManagerClosed is returned once Shutdown has started.
var ErrManagerClosed = errors.New("session manager is shut down")

const transcriptTimeout = 10 * time.Second

// Options customizes a session at creation.
type Options struct {
	// OperatorKind overrides the configured operator kind.
	OperatorKind string
	// Providers replaces the configured provider declarations when non-nil.
	Providers []provider.Spec
}

// session is one addressable conversation. Only the Manager creates and
// destroys sessions; only the loop mutates status and history.
type session struct {
	id        string
	kind      string
	createdAt time.Time

	// ready is closed once construction finished; err is set before that.
	ready chan struct{}
	err   error

	loop      *agent.Loop
	providers *provider.Manager
	operators *Operators

	// life ends when the session is torn down; runs derive from it.
	life context.Context
	end  context.CancelFunc

	runMu   sync.Mutex
	closing bool
	runs    sync.WaitGroup
}

// beginRun registers a run unless the session is being torn down.
func (s *session) beginRun() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.closing {
		return false
	}
	s.runs.Add(1)
	return true
}

func (s *session) close() {
	s.runMu.Lock()
	s.closing = true
	s.runMu.Unlock()
	s.end()
}

func (s *session) snapshot() schemas.SessionSnapshot {
	history := s.loop.History()
	updated := s.createdAt
	if n := len(history); n > 0 {
		updated = history[n-1].CreatedAt
	}
	return schemas.SessionSnapshot{
		ID:           s.id,
		Status:       s.loop.Status(),
		Running:      s.loop.Running(),
		Iteration:    s.loop.Iteration(),
		Instruction:  s.loop.Instruction(),
		OperatorKind: s.kind,
		Providers:    s.providers.Names(),
		History:      history,
		CreatedAt:    s.createdAt,
		UpdatedAt:    updated,
	}
}

// Manager owns the session table and enforces at most one run per session.
type Manager struct {
	rt     *Runtime
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

// NewManager creates a session manager over rt.
func NewManager(rt *Runtime) (*Manager, error) {
	if err := rt.validate(); err != nil {
		return nil, err
	}
	if rt.Logger == nil {
		rt.Logger = zap.NewNop()
	}
	return &Manager{
		rt:       rt,
		logger:   rt.Logger.Named("sessions"),
		sessions: make(map[string]*session),
	}, nil
}

// RunQuery runs input on sessionID, creating the session on first use, and
// blocks until the run ends. A query for a session that is already running
// returns a busy result immediately. Permission and model configuration
// problems are returned as errors and no run starts.
func (m *Manager) RunQuery(ctx context.Context, sessionID, input string) (*schemas.RunResult, error) {
	if s, ok := m.lookup(sessionID); ok && s.loop != nil && s.loop.Running() {
		return busy(sessionID), nil
	}

	kind := m.rt.Config.Operator.Kind
	if s, ok := m.lookup(sessionID); ok && s.kind != "" {
		kind = s.kind
	}
	if err := m.preflight(ctx, kind); err != nil {
		m.logger.Warn("Run refused.", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	s, err := m.ensure(ctx, sessionID, Options{})
	if err != nil {
		return nil, err
	}

	if !s.beginRun() {
		return nil, &schemas.SessionNotFoundError{SessionID: sessionID}
	}
	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.life, cancel)
	res := s.loop.Run(runCtx, input)
	stop()
	cancel()
	s.runs.Done()
	if res.Busy {
		return &res, nil
	}

	m.saveTranscript(s)
	return &res, nil
}

func busy(sessionID string) *schemas.RunResult {
	return &schemas.RunResult{SessionID: sessionID, Status: schemas.StatusRunning, Busy: true, Err: schemas.ErrSessionBusy}
}

// preflight runs the checks that must pass before a run may start.
func (m *Manager) preflight(ctx context.Context, kind string) error {
	if m.rt.Permissions != nil && m.rt.Config.Agent.RequirePermissions {
		if err := m.rt.Permissions.Check(ctx, kind); err != nil {
			var permErr *schemas.PermissionError
			if !errors.As(err, &permErr) {
				err = &schemas.PermissionError{Missing: []string{err.Error()}}
			}
			return err
		}
	}
	if missing := m.rt.Config.Model.Check(); len(missing) > 0 {
		return &schemas.ModelConfigError{Missing: missing}
	}
	return nil
}

// AbortQuery cancels the in-flight run of sessionID. It reports whether
// there was a run to cancel.
func (m *Manager) AbortQuery(sessionID string) bool {
	s, ok := m.lookup(sessionID)
	if !ok || s.loop == nil {
		return false
	}
	return s.loop.Abort()
}

// GetSession returns a snapshot of sessionID.
func (m *Manager) GetSession(sessionID string) (schemas.SessionSnapshot, error) {
	s, ok := m.lookup(sessionID)
	if !ok || s.loop == nil {
		return schemas.SessionSnapshot{}, &schemas.SessionNotFoundError{SessionID: sessionID}
	}
	return s.snapshot(), nil
}

// ListSessions returns snapshots of every ready session, oldest first.
func (m *Manager) ListSessions() []schemas.SessionSnapshot {
	m.mu.RLock()
	ready := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if isReady(s) && s.err == nil {
			ready = append(ready, s)
		}
	}
	m.mu.RUnlock()

	out := make([]schemas.SessionSnapshot, 0, len(ready))
	for _, s := range ready {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CreateSession creates a session explicitly. An empty id gets a generated one.
func (m *Manager) CreateSession(ctx context.Context, sessionID string, opts Options) (schemas.SessionSnapshot, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if _, ok := m.lookup(sessionID); ok {
		return schemas.SessionSnapshot{}, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	s, err := m.ensure(ctx, sessionID, opts)
	if err != nil {
		return schemas.SessionSnapshot{}, err
	}
	return s.snapshot(), nil
}

// ClearHistory empties the conversation of an idle session.
func (m *Manager) ClearHistory(sessionID string) error {
	s, ok := m.lookup(sessionID)
	if !ok || s.loop == nil {
		return &schemas.SessionNotFoundError{SessionID: sessionID}
	}
	if err := s.loop.ClearHistory(); err != nil {
		return err
	}
	m.saveTranscript(s)
	return nil
}

// Teardown aborts any run of sessionID, waits for it to end, stops the
// session's providers and operators and drops the session.
func (m *Manager) Teardown(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return &schemas.SessionNotFoundError{SessionID: sessionID}
	}
	return m.destroy(ctx, s)
}

func (m *Manager) destroy(ctx context.Context, s *session) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.err != nil {
		return nil
	}

	s.close()
	s.loop.Abort()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Run did not end before teardown deadline.", zap.String("session_id", s.id))
	}

	s.providers.StopAll(ctx)
	if s.operators.Close != nil {
		if err := s.operators.Close(); err != nil {
			m.logger.Error("Failed to close operators.", zap.String("session_id", s.id), zap.Error(err))
		}
	}
	m.saveTranscript(s)
	m.rt.Bridge.Publish(s.id, schemas.Event{
		Type:    schemas.EventSessionRemoved,
		Payload: schemas.SessionRemovedPayload{Status: s.loop.Status(), Iterations: s.loop.Iteration()},
	})
	m.rt.Bridge.Forget(s.id)
	m.logger.Info("Session torn down.", zap.String("session_id", s.id))
	return nil
}

// Shutdown tears down every session concurrently and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range all {
		s := s
		g.Go(func() error { return m.destroy(gctx, s) })
	}
	return g.Wait()
}

func (m *Manager) lookup(sessionID string) (*session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok || !isReady(s) || s.err != nil {
		return nil, false
	}
	return s, true
}

func isReady(s *session) bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// ensure returns the session, constructing it if needed. Concurrent callers
// for the same id wait for one construction.
func (m *Manager) ensure(ctx context.Context, sessionID string, opts Options) (*session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{id: sessionID, ready: make(chan struct{}), createdAt: time.Now().UTC()}
		s.life, s.end = context.WithCancel(context.Background())
		m.sessions[sessionID] = s
	}
	m.mu.Unlock()

	if ok {
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s.err != nil {
			return nil, s.err
		}
		return s, nil
	}

	s.err = m.build(ctx, s, opts)
	if s.err != nil {
		s.end()
		m.mu.Lock()
		if m.sessions[sessionID] == s {
			delete(m.sessions, sessionID)
		}
		m.mu.Unlock()
	}
	close(s.ready)
	if s.err != nil {
		return nil, s.err
	}
	return s, nil
}

// build wires a new session: providers, operators, model and loop.
func (m *Manager) build(ctx context.Context, s *session, opts Options) error {
	cfg := m.rt.Config
	logger := m.rt.Logger.With(zap.String("session_id", s.id))

	s.kind = cfg.Operator.Kind
	if opts.OperatorKind != "" {
		s.kind = opts.OperatorKind
	}
	specs := opts.Providers
	if specs == nil {
		specs = append(ProviderSpecs(cfg.Providers), m.rt.ExtraProviders...)
	}

	s.providers = provider.NewManager(logger, m.rt.ProviderOptions...)
	ops, err := m.rt.Operators(ctx, OperatorRequest{SessionID: s.id, Kind: s.kind, Tools: s.providers, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create %s operator for session %s: %w", s.kind, s.id, err)
	}
	s.operators = ops

	model, err := m.rt.Models(ctx, cfg.Model, logger)
	if err != nil {
		if ops.Close != nil {
			_ = ops.Close()
		}
		var cfgErr *schemas.ModelConfigError
		if !errors.As(err, &cfgErr) {
			err = &schemas.ModelConfigError{Reason: err.Error()}
		}
		return err
	}

	var loopOpts []agent.LoopOption
	if prior := m.loadTranscript(ctx, s.id); prior != nil {
		loopOpts = append(loopOpts, agent.WithHistory(prior.History, prior.Status))
		if !prior.CreatedAt.IsZero() {
			s.createdAt = prior.CreatedAt
		}
	}

	s.loop = agent.NewLoop(s.id, agent.LoopDeps{
		Model:      agent.WithRetry(model, cfg.Model.Retry, logger),
		Observer:   ops.Observer,
		Dispatcher: ops.Dispatcher,
		Toolbox:    &providerToolbox{providers: s.providers, specs: specs},
		Events:     m.rt.Bridge,
		Logger:     logger,
		Config:     cfg.Agent,
	}, loopOpts...)

	m.logger.Info("Session created.", zap.String("session_id", s.id), zap.String("operator", s.kind), zap.Int("providers", len(specs)))
	return nil
}

func (m *Manager) saveTranscript(s *session) {
	if m.rt.Transcripts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), transcriptTimeout)
	defer cancel()
	if err := m.rt.Transcripts.Save(ctx, s.snapshot()); err != nil {
		m.logger.Error("Failed to save transcript.", zap.String("session_id", s.id), zap.Error(err))
	}
}

func (m *Manager) loadTranscript(ctx context.Context, sessionID string) *schemas.SessionSnapshot {
	if m.rt.Transcripts == nil {
		return nil
	}
	prior, err := m.rt.Transcripts.Load(ctx, sessionID)
	if err != nil {
		m.logger.Warn("Failed to load transcript; starting fresh.", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	return prior
}
