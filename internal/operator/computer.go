// internal/operator/computer.go
package operator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/config"
	"github.com/xkilldash9x/agentd/internal/humanoid"
)

// scrollStep is the wheel delta of one scroll "click".
const scrollStep = 100.0

// primaryPoint lists where a target coordinate may be given.
var primaryPoint = []string{"start_box", "point", "coordinate", xyKey}

type handlerFunc func(ctx context.Context, action schemas.Action) (interface{}, error)

// ComputerOperator performs mouse and keyboard actions through an input
// driver, moving the pointer along human-like paths.
type ComputerOperator struct {
	logger   *zap.Logger
	driver   humanoid.Executor
	human    *humanoid.Humanoid
	screen   Screen
	handlers map[string]handlerFunc
}

var _ Actuator = (*ComputerOperator)(nil)

// NewComputerOperator creates a computer operator over driver.
func NewComputerOperator(logger *zap.Logger, driver humanoid.Executor, screen Screen, cfg config.HumanoidConfig) *ComputerOperator {
	c := &ComputerOperator{
		logger: logger.Named("computer_operator"),
		driver: driver,
		human:  humanoid.New(cfg, driver, logger, time.Now().UnixNano()),
		screen: screen,
	}
	c.human.SetBounds(screen.Width, screen.Height)
	c.handlers = map[string]handlerFunc{
		schemas.ActionClick:       c.clickWith(humanoid.ButtonLeft, 1),
		schemas.ActionDoubleClick: c.clickWith(humanoid.ButtonLeft, 2),
		schemas.ActionRightClick:  c.clickWith(humanoid.ButtonRight, 1),
		schemas.ActionMouseMove:   c.handleMove,
		schemas.ActionDrag:        c.handleDrag,
		schemas.ActionTypeText:    c.handleType,
		schemas.ActionHotkey:      c.handleHotkey,
		schemas.ActionScroll:      c.handleScroll,
		schemas.ActionWait:        c.handleWait,
	}
	return c
}

// Types lists the action types this operator handles.
func (c *ComputerOperator) Types() []string {
	out := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Screen returns the coordinate space of this operator.
func (c *ComputerOperator) Screen() Screen { return c.screen }

// Execute runs the handler registered for action.Type.
func (c *ComputerOperator) Execute(ctx context.Context, action schemas.Action) (*schemas.ActionResult, error) {
	handler, ok := c.handlers[action.Type]
	if !ok {
		return nil, &schemas.UnsupportedActionError{ActionType: action.Type, Operator: config.OperatorComputer}
	}
	if action.Inputs == nil {
		action.Inputs = map[string]interface{}{}
	}
	out, err := handler(ctx, action)
	if err != nil {
		return nil, err
	}
	return &schemas.ActionResult{Status: schemas.ResultSuccess, Output: out}, nil
}

func pointOutput(p humanoid.Vector2D) map[string]interface{} {
	return map[string]interface{}{"x": p.X, "y": p.Y}
}

func (c *ComputerOperator) clickWith(button humanoid.MouseButton, count int) handlerFunc {
	return func(ctx context.Context, action schemas.Action) (interface{}, error) {
		p, err := pointInput(action.Inputs, c.screen, primaryPoint...)
		if err != nil {
			return nil, err
		}
		btn := button
		if b := optionalString(action.Inputs, "button", ""); b != "" {
			btn = humanoid.ParseButton(b)
		}
		if err := c.human.Click(ctx, p, btn, count); err != nil {
			return nil, fmt.Errorf("click at (%.0f, %.0f) failed: %w", p.X, p.Y, err)
		}
		return pointOutput(p), nil
	}
}

func (c *ComputerOperator) handleMove(ctx context.Context, action schemas.Action) (interface{}, error) {
	p, err := pointInput(action.Inputs, c.screen, primaryPoint...)
	if err != nil {
		return nil, err
	}
	if err := c.human.MoveTo(ctx, p, humanoid.ButtonNone); err != nil {
		return nil, err
	}
	return pointOutput(p), nil
}

func (c *ComputerOperator) handleDrag(ctx context.Context, action schemas.Action) (interface{}, error) {
	from, err := pointInput(action.Inputs, c.screen, "start_box", "from")
	if err != nil {
		return nil, err
	}
	to, err := pointInput(action.Inputs, c.screen, "end_box", "to")
	if err != nil {
		return nil, err
	}
	if err := c.human.Drag(ctx, from, to); err != nil {
		return nil, err
	}
	return map[string]interface{}{"from": pointOutput(from), "to": pointOutput(to)}, nil
}

// handleType types "content" (or "text"). A trailing newline submits with Enter.
func (c *ComputerOperator) handleType(ctx context.Context, action schemas.Action) (interface{}, error) {
	text, err := stringInput(action.Inputs, "content")
	if err != nil {
		if text, err = stringInput(action.Inputs, "text"); err != nil {
			return nil, err
		}
	}
	if p, err := pointInput(action.Inputs, c.screen, primaryPoint...); err == nil {
		if err := c.human.Click(ctx, p, humanoid.ButtonLeft, 1); err != nil {
			return nil, fmt.Errorf("focusing input failed: %w", err)
		}
	}
	submit := strings.HasSuffix(text, "\n")
	text = strings.TrimSuffix(text, "\n")
	if text != "" {
		if err := c.human.Type(ctx, text); err != nil {
			return nil, err
		}
	}
	if submit {
		if err := c.driver.DispatchKey(ctx, humanoid.KeyEventData{Key: "Enter"}); err != nil {
			return nil, fmt.Errorf("submit failed: %w", err)
		}
	}
	return map[string]interface{}{"typed": len([]rune(text)), "submitted": submit}, nil
}

func (c *ComputerOperator) handleHotkey(ctx context.Context, action schemas.Action) (interface{}, error) {
	keys, err := stringList(action.Inputs, "key")
	if err != nil {
		if keys, err = stringList(action.Inputs, "keys"); err != nil {
			return nil, err
		}
	}
	if _, err := humanoid.ParseHotkey(keys); err != nil {
		return nil, &InvalidInputError{Field: "key", Reason: err.Error()}
	}
	if err := c.human.Hotkey(ctx, keys); err != nil {
		return nil, err
	}
	return map[string]interface{}{"keys": keys}, nil
}

// handleScroll scrolls by "direction" and "amount" clicks, or by explicit
// "dx"/"dy" pixels, at the given point or the current pointer position.
func (c *ComputerOperator) handleScroll(ctx context.Context, action schemas.Action) (interface{}, error) {
	at, err := pointInput(action.Inputs, c.screen, primaryPoint...)
	if err != nil {
		at = c.human.Position()
	}
	dx := optionalFloat(action.Inputs, "dx", 0)
	dy := optionalFloat(action.Inputs, "dy", 0)
	if dx == 0 && dy == 0 {
		amount := optionalFloat(action.Inputs, "amount", 5) * scrollStep
		switch dir := strings.ToLower(optionalString(action.Inputs, "direction", "down")); dir {
		case "down":
			dy = amount
		case "up":
			dy = -amount
		case "right":
			dx = amount
		case "left":
			dx = -amount
		default:
			return nil, &InvalidInputError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", dir)}
		}
	}
	if err := c.human.Scroll(ctx, at, dx, dy); err != nil {
		return nil, err
	}
	return map[string]interface{}{"dx": dx, "dy": dy}, nil
}

func (c *ComputerOperator) handleWait(ctx context.Context, action schemas.Action) (interface{}, error) {
	seconds := optionalFloat(action.Inputs, "seconds", 1)
	if seconds < 0 || seconds > 60 {
		return nil, &InvalidInputError{Field: "seconds", Reason: "must be between 0 and 60"}
	}
	d := time.Duration(seconds * float64(time.Second))
	if err := c.driver.Sleep(ctx, d); err != nil {
		return nil, err
	}
	return map[string]interface{}{"waited": d.String()}, nil
}
