package ws

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/session"
)

// MockSessions mocks the Sessions interface.
type MockSessions struct {
	mock.Mock
}

var _ Sessions = (*MockSessions)(nil)

func (m *MockSessions) RunQuery(ctx context.Context, sessionID, input string) (*schemas.RunResult, error) {
	args := m.Called(ctx, sessionID, input)
	var res *schemas.RunResult
	if r := args.Get(0); r != nil {
		res = r.(*schemas.RunResult)
	}
	return res, args.Error(1)
}

func (m *MockSessions) AbortQuery(sessionID string) bool {
	return m.Called(sessionID).Bool(0)
}

func (m *MockSessions) GetSession(sessionID string) (schemas.SessionSnapshot, error) {
	args := m.Called(sessionID)
	return args.Get(0).(schemas.SessionSnapshot), args.Error(1)
}

func (m *MockSessions) ListSessions() []schemas.SessionSnapshot {
	return m.Called().Get(0).([]schemas.SessionSnapshot)
}

func (m *MockSessions) CreateSession(ctx context.Context, sessionID string, opts session.Options) (schemas.SessionSnapshot, error) {
	args := m.Called(ctx, sessionID, opts)
	return args.Get(0).(schemas.SessionSnapshot), args.Error(1)
}

func (m *MockSessions) ClearHistory(sessionID string) error {
	return m.Called(sessionID).Error(0)
}

func (m *MockSessions) Teardown(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}
