// internal/humanoid/humanoid.go
package humanoid

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/internal/config"
)

// Executor is the low-level input surface the humanoid drives. Implementations
// exist for the browser (DevTools protocol) and for host input drivers.
type Executor interface {
	// Sleep pauses execution, respecting context cancellation.
	Sleep(ctx context.Context, d time.Duration) error
	// DispatchMouseEvent sends one mouse event.
	DispatchMouseEvent(ctx context.Context, data MouseEventData) error
	// SendKeys types text into whatever currently has focus.
	SendKeys(ctx context.Context, text string) error
	// DispatchKey presses and releases one key with modifiers held.
	DispatchKey(ctx context.Context, data KeyEventData) error
}

// Humanoid turns coordinate-level intents into sequences of input events with
// human-like timing and curved mouse paths.
type Humanoid struct {
	logger   *zap.Logger
	executor Executor
	cfg      config.HumanoidConfig

	mu         sync.Mutex
	rng        *rand.Rand
	currentPos Vector2D
	bounds     Vector2D
}

// New creates a Humanoid. seed makes the generated paths reproducible.
func New(cfg config.HumanoidConfig, executor Executor, logger *zap.Logger, seed int64) *Humanoid {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 60
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = 8 * time.Millisecond
	}
	return &Humanoid{
		logger:   logger.Named("humanoid"),
		executor: executor,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// SetBounds limits generated points to the visible area.
func (h *Humanoid) SetBounds(width, height float64) {
	h.mu.Lock()
	h.bounds = Vector2D{X: width, Y: height}
	h.mu.Unlock()
}

// Position returns where the humanoid believes the cursor is.
func (h *Humanoid) Position() Vector2D {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentPos
}

// Click moves to target and clicks button count times.
func (h *Humanoid) Click(ctx context.Context, target Vector2D, button MouseButton, count int) error {
	if count < 1 {
		count = 1
	}
	if err := h.MoveTo(ctx, target, ButtonNone); err != nil {
		return err
	}
	pos := h.Position()
	for i := 1; i <= count; i++ {
		press := MouseEventData{Type: MousePress, X: pos.X, Y: pos.Y, Button: button, ClickCount: i, Buttons: buttonsMask(button)}
		if err := h.executor.DispatchMouseEvent(ctx, press); err != nil {
			return fmt.Errorf("mouse press failed: %w", err)
		}
		if err := h.executor.Sleep(ctx, h.holdDuration()); err != nil {
			return err
		}
		release := MouseEventData{Type: MouseRelease, X: pos.X, Y: pos.Y, Button: button, ClickCount: i}
		if err := h.executor.DispatchMouseEvent(ctx, release); err != nil {
			return fmt.Errorf("mouse release failed: %w", err)
		}
		if i < count {
			if err := h.executor.Sleep(ctx, h.holdDuration()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Drag presses the left button at from, moves to to while holding, and releases.
func (h *Humanoid) Drag(ctx context.Context, from, to Vector2D) error {
	if err := h.MoveTo(ctx, from, ButtonNone); err != nil {
		return err
	}
	start := h.Position()
	if err := h.executor.DispatchMouseEvent(ctx, MouseEventData{Type: MousePress, X: start.X, Y: start.Y, Button: ButtonLeft, ClickCount: 1, Buttons: 1}); err != nil {
		return fmt.Errorf("drag press failed: %w", err)
	}
	// Release even when the move fails so the button is not left held.
	moveErr := h.MoveTo(ctx, to, ButtonLeft)
	end := h.Position()
	releaseErr := h.executor.DispatchMouseEvent(context.WithoutCancel(ctx), MouseEventData{Type: MouseRelease, X: end.X, Y: end.Y, Button: ButtonLeft, ClickCount: 1})
	if moveErr != nil {
		return moveErr
	}
	if releaseErr != nil {
		return fmt.Errorf("drag release failed: %w", releaseErr)
	}
	return nil
}

// Scroll moves to at and dispatches a wheel event.
func (h *Humanoid) Scroll(ctx context.Context, at Vector2D, deltaX, deltaY float64) error {
	if err := h.MoveTo(ctx, at, ButtonNone); err != nil {
		return err
	}
	pos := h.Position()
	return h.executor.DispatchMouseEvent(ctx, MouseEventData{Type: MouseWheel, X: pos.X, Y: pos.Y, DeltaX: deltaX, DeltaY: deltaY})
}

// Type sends text to the focused element, in short bursts with small pauses.
func (h *Humanoid) Type(ctx context.Context, text string) error {
	if !h.cfg.Enabled {
		return h.executor.SendKeys(ctx, text)
	}
	runes := []rune(text)
	for len(runes) > 0 {
		n := 1 + h.intn(4)
		if n > len(runes) {
			n = len(runes)
		}
		if err := h.executor.SendKeys(ctx, string(runes[:n])); err != nil {
			return fmt.Errorf("typing failed: %w", err)
		}
		runes = runes[n:]
		if len(runes) > 0 {
			if err := h.executor.Sleep(ctx, time.Duration(20+h.intn(40))*time.Millisecond); err != nil {
				return err
			}
		}
	}
	return nil
}

// Hotkey presses a key combination such as "ctrl+c" or ["ctrl", "shift", "t"].
func (h *Humanoid) Hotkey(ctx context.Context, keys []string) error {
	data, err := ParseHotkey(keys)
	if err != nil {
		return err
	}
	return h.executor.DispatchKey(ctx, data)
}

// ParseHotkey folds modifier names into a bitmask and returns the final key.
func ParseHotkey(keys []string) (KeyEventData, error) {
	var parts []string
	for _, k := range keys {
		for _, p := range strings.FieldsFunc(k, func(r rune) bool { return r == '+' || r == ' ' }) {
			parts = append(parts, p)
		}
	}
	var data KeyEventData
	for _, p := range parts {
		switch strings.ToLower(p) {
		case "ctrl", "control":
			data.Modifiers |= ModCtrl
		case "alt", "option":
			data.Modifiers |= ModAlt
		case "shift":
			data.Modifiers |= ModShift
		case "meta", "cmd", "command", "win", "super":
			data.Modifiers |= ModMeta
		default:
			if data.Key != "" {
				return KeyEventData{}, fmt.Errorf("hotkey %q names more than one non-modifier key", strings.Join(keys, "+"))
			}
			data.Key = normalizeKey(p)
		}
	}
	if data.Key == "" {
		return KeyEventData{}, fmt.Errorf("hotkey %q has no key", strings.Join(keys, "+"))
	}
	return data, nil
}

func normalizeKey(k string) string {
	switch strings.ToLower(k) {
	case "enter", "return":
		return "Enter"
	case "esc", "escape":
		return "Escape"
	case "tab":
		return "Tab"
	case "backspace":
		return "Backspace"
	case "delete", "del":
		return "Delete"
	case "space":
		return " "
	case "up", "arrowup":
		return "ArrowUp"
	case "down", "arrowdown":
		return "ArrowDown"
	case "left", "arrowleft":
		return "ArrowLeft"
	case "right", "arrowright":
		return "ArrowRight"
	case "pageup":
		return "PageUp"
	case "pagedown":
		return "PageDown"
	case "home":
		return "Home"
	case "end":
		return "End"
	}
	if len([]rune(k)) == 1 {
		return strings.ToLower(k)
	}
	return k
}

func (h *Humanoid) holdDuration() time.Duration {
	if !h.cfg.Enabled {
		return 0
	}
	return time.Duration(50+h.intn(60)) * time.Millisecond
}

func (h *Humanoid) intn(n int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Intn(n)
}
