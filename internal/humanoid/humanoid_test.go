// Filename: internal/humanoid/humanoid_test.go
package humanoid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/agentd/internal/config"
)

// =============================================================================
// Test Infrastructure
// =============================================================================

// mockExecutor records every event instead of driving real input.
type mockExecutor struct {
	mu         sync.Mutex
	mouse      []MouseEventData
	keys       []string
	hotkeys    []KeyEventData
	sleeps     []time.Duration
	failOnCall int
	callCount  int
	cancelAt   int
	cancel     context.CancelFunc
}

func (m *mockExecutor) Sleep(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	m.sleeps = append(m.sleeps, d)
	m.mu.Unlock()
	return ctx.Err()
}

func (m *mockExecutor) DispatchMouseEvent(ctx context.Context, data MouseEventData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	if m.failOnCall > 0 && m.callCount == m.failOnCall {
		return errors.New("driver gone")
	}
	m.mouse = append(m.mouse, data)
	if m.cancelAt > 0 && m.callCount == m.cancelAt && m.cancel != nil {
		m.cancel()
	}
	return nil
}

func (m *mockExecutor) SendKeys(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, text)
	return nil
}

func (m *mockExecutor) DispatchKey(ctx context.Context, data KeyEventData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hotkeys = append(m.hotkeys, data)
	return nil
}

func (m *mockExecutor) eventsOfType(tp MouseEventType) []MouseEventData {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MouseEventData
	for _, ev := range m.mouse {
		if ev.Type == tp {
			out = append(out, ev)
		}
	}
	return out
}

func defaultTestConfig() config.HumanoidConfig {
	return config.HumanoidConfig{
		Enabled:      true,
		FittsA:       80,
		FittsB:       120,
		StepInterval: 8 * time.Millisecond,
		MaxSteps:     40,
		Jitter:       1.0,
	}
}

func setupHumanoid(t *testing.T, cfg config.HumanoidConfig) (*Humanoid, *mockExecutor) {
	t.Helper()
	exec := &mockExecutor{}
	return New(cfg, exec, zaptest.NewLogger(t), 42), exec
}

// =============================================================================
// Tests
// =============================================================================

func TestMoveTo_EndsExactlyOnTarget(t *testing.T) {
	h, exec := setupHumanoid(t, defaultTestConfig())
	target := Vector2D{X: 640, Y: 360}

	require.NoError(t, h.MoveTo(context.Background(), target, ButtonNone))

	moves := exec.eventsOfType(MouseMove)
	require.GreaterOrEqual(t, len(moves), 2, "an enabled humanoid takes a multi-step path")
	assert.LessOrEqual(t, len(moves), 40)
	last := moves[len(moves)-1]
	assert.Equal(t, target.X, last.X)
	assert.Equal(t, target.Y, last.Y)
	assert.Equal(t, target, h.Position())
}

func TestMoveTo_DisabledJumps(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Enabled = false
	h, exec := setupHumanoid(t, cfg)

	require.NoError(t, h.MoveTo(context.Background(), Vector2D{X: 10, Y: 20}, ButtonNone))
	moves := exec.eventsOfType(MouseMove)
	require.Len(t, moves, 1)
	assert.Empty(t, exec.sleeps)
}

func TestMoveTo_RespectsBounds(t *testing.T) {
	h, exec := setupHumanoid(t, defaultTestConfig())
	h.SetBounds(100, 100)

	require.NoError(t, h.MoveTo(context.Background(), Vector2D{X: 500, Y: -20}, ButtonNone))
	for _, ev := range exec.eventsOfType(MouseMove) {
		assert.GreaterOrEqual(t, ev.X, 0.0)
		assert.LessOrEqual(t, ev.X, 100.0)
		assert.GreaterOrEqual(t, ev.Y, 0.0)
		assert.LessOrEqual(t, ev.Y, 100.0)
	}
	assert.Equal(t, Vector2D{X: 100, Y: 0}, h.Position())
}

func TestMoveTo_CancellationStopsMotion(t *testing.T) {
	h, exec := setupHumanoid(t, defaultTestConfig())
	ctx, cancel := context.WithCancel(context.Background())
	exec.cancelAt = 2
	exec.cancel = cancel

	err := h.MoveTo(ctx, Vector2D{X: 900, Y: 900}, ButtonNone)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, exec.eventsOfType(MouseMove), 2)
}

func TestClick_DoubleClickSequence(t *testing.T) {
	h, exec := setupHumanoid(t, defaultTestConfig())
	require.NoError(t, h.Click(context.Background(), Vector2D{X: 50, Y: 60}, ButtonRight, 2))

	presses := exec.eventsOfType(MousePress)
	releases := exec.eventsOfType(MouseRelease)
	require.Len(t, presses, 2)
	require.Len(t, releases, 2)
	assert.Equal(t, 1, presses[0].ClickCount)
	assert.Equal(t, 2, presses[1].ClickCount)
	assert.Equal(t, ButtonRight, presses[0].Button)
	assert.Equal(t, int64(2), presses[0].Buttons)
	assert.Equal(t, 50.0, releases[1].X)
}

func TestDrag_HoldsButtonAndAlwaysReleases(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h, exec := setupHumanoid(t, defaultTestConfig())
		require.NoError(t, h.Drag(context.Background(), Vector2D{X: 10, Y: 10}, Vector2D{X: 300, Y: 200}))

		require.Len(t, exec.eventsOfType(MousePress), 1)
		require.Len(t, exec.eventsOfType(MouseRelease), 1)
		heldMoves := 0
		for _, ev := range exec.eventsOfType(MouseMove) {
			if ev.Buttons == 1 {
				heldMoves++
			}
		}
		assert.Positive(t, heldMoves, "moves during the drag carry the held-button mask")
	})

	t.Run("release after failed move", func(t *testing.T) {
		cfg := defaultTestConfig()
		cfg.Enabled = false
		h, exec := setupHumanoid(t, cfg)
		// Call 1 moves to the start, call 2 presses, call 3 (the drag move) fails.
		exec.failOnCall = 3
		err := h.Drag(context.Background(), Vector2D{X: 1, Y: 1}, Vector2D{X: 2, Y: 2})
		assert.Error(t, err)
		assert.Len(t, exec.eventsOfType(MouseRelease), 1)
	})
}

func TestScroll(t *testing.T) {
	h, exec := setupHumanoid(t, defaultTestConfig())
	require.NoError(t, h.Scroll(context.Background(), Vector2D{X: 5, Y: 5}, 0, 240))
	wheels := exec.eventsOfType(MouseWheel)
	require.Len(t, wheels, 1)
	assert.Equal(t, 240.0, wheels[0].DeltaY)
}

func TestType_SendsWholeText(t *testing.T) {
	h, exec := setupHumanoid(t, defaultTestConfig())
	require.NoError(t, h.Type(context.Background(), "hello, world"))

	var joined string
	for _, k := range exec.keys {
		joined += k
	}
	assert.Equal(t, "hello, world", joined)
	assert.Greater(t, len(exec.keys), 1, "enabled humanoid types in bursts")
}

func TestParseHotkey(t *testing.T) {
	cases := []struct {
		in   []string
		want KeyEventData
	}{
		{[]string{"ctrl+c"}, KeyEventData{Key: "c", Modifiers: ModCtrl}},
		{[]string{"ctrl", "shift", "T"}, KeyEventData{Key: "t", Modifiers: ModCtrl | ModShift}},
		{[]string{"cmd space"}, KeyEventData{Key: " ", Modifiers: ModMeta}},
		{[]string{"Enter"}, KeyEventData{Key: "Enter"}},
	}
	for _, tc := range cases {
		got, err := ParseHotkey(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseHotkey([]string{"ctrl"})
	assert.Error(t, err)
	_, err = ParseHotkey([]string{"a+b"})
	assert.Error(t, err)
}

func TestPlanPath_IsDeterministicForSeed(t *testing.T) {
	a := New(defaultTestConfig(), &mockExecutor{}, zaptest.NewLogger(t), 7)
	b := New(defaultTestConfig(), &mockExecutor{}, zaptest.NewLogger(t), 7)
	start, end := Vector2D{}, Vector2D{X: 400, Y: 300}
	assert.Equal(t, a.PlanPath(start, end), b.PlanPath(start, end))
}
