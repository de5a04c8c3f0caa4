package agent

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/agentd/api/schemas"
)

// MockModel mocks the Model interface.
type MockModel struct {
	mock.Mock
}

func (m *MockModel) Predict(ctx context.Context, req PredictionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// MockToolbox mocks the Toolbox interface.
type MockToolbox struct {
	mock.Mock
}

func (m *MockToolbox) Prepare(ctx context.Context) ([]error, error) {
	args := m.Called(ctx)
	var degraded []error
	if v := args.Get(0); v != nil {
		degraded = v.([]error)
	}
	return degraded, args.Error(1)
}

func (m *MockToolbox) Tools() []schemas.ToolDescriptor {
	args := m.Called()
	if v := args.Get(0); v != nil {
		return v.([]schemas.ToolDescriptor)
	}
	return nil
}

// scriptedModel returns its responses in order and repeats the last one.
type scriptedModel struct {
	mu        sync.Mutex
	responses []string
	calls     int
	requests  []PredictionRequest
}

func (s *scriptedModel) Predict(ctx context.Context, req PredictionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i], nil
}

// fakeDispatcher records dispatched actions and answers with fn, or success.
type fakeDispatcher struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, a schemas.Action) *schemas.ActionResult
	calls []schemas.Action
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, a schemas.Action) *schemas.ActionResult {
	d.mu.Lock()
	d.calls = append(d.calls, a)
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, a)
	}
	return &schemas.ActionResult{Status: schemas.ResultSuccess}
}

func (d *fakeDispatcher) Types() []string { return []string{"click", "type"} }

func (d *fakeDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.calls))
	for _, a := range d.calls {
		out = append(out, a.Type)
	}
	return out
}

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []schemas.Event
}

func (r *recorder) Publish(sessionID string, ev schemas.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []schemas.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.Event(nil), r.events...)
}

func (r *recorder) statuses() []schemas.Status {
	var out []schemas.Status
	for _, ev := range r.snapshot() {
		if ev.Type == schemas.EventStatusChanged {
			out = append(out, ev.Payload.(schemas.StatusPayload).Status)
		}
	}
	return out
}

// failingObserver always fails.
type failingObserver struct{ err error }

func (f failingObserver) Observe(ctx context.Context) (*schemas.Observation, error) {
	return nil, f.err
}

// staticObserver returns a fixed observation.
type staticObserver struct{ id string }

func (s staticObserver) Observe(ctx context.Context) (*schemas.Observation, error) {
	return &schemas.Observation{ID: s.id, MimeType: "image/png", Width: 10, Height: 10}, nil
}
