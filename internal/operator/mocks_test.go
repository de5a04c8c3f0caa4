package operator

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/agentd/internal/humanoid"
	"github.com/xkilldash9x/agentd/internal/provider"
)

// MockToolInvoker mocks the provider manager's qualified invocation.
type MockToolInvoker struct {
	mock.Mock
}

func (m *MockToolInvoker) InvokeQualified(ctx context.Context, qualified string, args map[string]interface{}, timeout time.Duration) (*provider.ToolResult, error) {
	ret := m.Called(ctx, qualified, args, timeout)
	res, _ := ret.Get(0).(*provider.ToolResult)
	return res, ret.Error(1)
}

// recordingDriver is an input driver that records what it was asked to do.
type recordingDriver struct {
	mu    sync.Mutex
	mouse []humanoid.MouseEventData
	typed []string
	keys  []humanoid.KeyEventData
}

func (d *recordingDriver) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func (d *recordingDriver) DispatchMouseEvent(ctx context.Context, data humanoid.MouseEventData) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mouse = append(d.mouse, data)
	return nil
}

func (d *recordingDriver) SendKeys(ctx context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typed = append(d.typed, text)
	return nil
}

func (d *recordingDriver) DispatchKey(ctx context.Context, data humanoid.KeyEventData) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys = append(d.keys, data)
	return nil
}

func (d *recordingDriver) lastOfType(tp humanoid.MouseEventType) (humanoid.MouseEventData, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.mouse) - 1; i >= 0; i-- {
		if d.mouse[i].Type == tp {
			return d.mouse[i], true
		}
	}
	return humanoid.MouseEventData{}, false
}

func (d *recordingDriver) text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := ""
	for _, s := range d.typed {
		out += s
	}
	return out
}
