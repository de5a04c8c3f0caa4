// internal/humanoid/trajectory.go
package humanoid

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// targetWidth is the assumed target size (pixels) for Fitts's law.
const targetWidth = 30.0

// easeInOutCubic gives a smooth acceleration and deceleration profile.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

// movementTime models the time to reach a target at distance with Fitts's law,
// randomized by up to 15% either way.
func (h *Humanoid) movementTime(distance float64) time.Duration {
	id := math.Log2(1.0 + distance/targetWidth)
	mt := h.cfg.FittsA + h.cfg.FittsB*id

	h.mu.Lock()
	mt += mt * (h.rng.Float64()*0.3 - 0.15)
	h.mu.Unlock()

	if mt < 0 {
		mt = 0
	}
	return time.Duration(mt) * time.Millisecond
}

// generatePath returns numSteps points on a cubic Bezier from start to end.
// The control points bow sideways by a random amount proportional to the distance.
func (h *Humanoid) generatePath(start, end Vector2D, numSteps int) []Vector2D {
	mainVec := end.Sub(start)
	dist := mainVec.Mag()
	if dist < 1.0 || numSteps <= 1 {
		return []Vector2D{end}
	}

	dir := mainVec.Normalize()
	side := dir.Perp()

	h.mu.Lock()
	bow1 := (h.rng.Float64()*2 - 1) * dist * 0.15
	bow2 := (h.rng.Float64()*2 - 1) * dist * 0.10
	h.mu.Unlock()

	p0, p3 := start, end
	p1 := start.Add(dir.Mul(dist / 3.0)).Add(side.Mul(bow1))
	p2 := start.Add(dir.Mul(dist * 2.0 / 3.0)).Add(side.Mul(bow2))

	path := make([]Vector2D, numSteps)
	for i := 0; i < numSteps; i++ {
		t := easeInOutCubic(float64(i) / float64(numSteps-1))
		omt := 1.0 - t
		path[i] = p0.Mul(omt * omt * omt).
			Add(p1.Mul(3 * omt * omt * t)).
			Add(p2.Mul(3 * omt * t * t)).
			Add(p3.Mul(t * t * t))
	}
	// Always land exactly on the target.
	path[numSteps-1] = end
	return path
}

// PlanPath returns the points a move from start to end would visit, without
// dispatching anything.
func (h *Humanoid) PlanPath(start, end Vector2D) []Vector2D {
	if !h.cfg.Enabled {
		return []Vector2D{end}
	}
	duration := h.movementTime(start.Dist(end))
	steps := int(duration / h.cfg.StepInterval)
	if steps < 2 {
		steps = 2
	}
	if steps > h.cfg.MaxSteps {
		steps = h.cfg.MaxSteps
	}
	path := h.generatePath(start, end, steps)

	h.mu.Lock()
	bounds := h.bounds
	jitter := h.cfg.Jitter
	for i := 0; i < len(path)-1; i++ {
		if jitter > 0 {
			path[i] = path[i].Add(Vector2D{X: h.rng.NormFloat64() * jitter, Y: h.rng.NormFloat64() * jitter})
		}
		path[i] = path[i].Clamp(bounds.X, bounds.Y)
	}
	h.mu.Unlock()
	return path
}

// MoveTo moves the cursor to target along a planned path, holding button if
// it is not ButtonNone.
func (h *Humanoid) MoveTo(ctx context.Context, target Vector2D, held MouseButton) error {
	start := h.Position()
	h.mu.Lock()
	target = target.Clamp(h.bounds.X, h.bounds.Y)
	h.mu.Unlock()

	path := h.PlanPath(start, target)
	var stepDelay time.Duration
	if h.cfg.Enabled && len(path) > 1 {
		stepDelay = h.movementTime(start.Dist(target)) / time.Duration(len(path))
	}

	for _, p := range path {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := MouseEventData{Type: MouseMove, X: p.X, Y: p.Y, Button: ButtonNone, Buttons: buttonsMask(held)}
		if err := h.executor.DispatchMouseEvent(ctx, ev); err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("Failed to dispatch mouse move event.", zap.Error(err))
			}
			return err
		}
		h.mu.Lock()
		h.currentPos = p
		h.mu.Unlock()

		if stepDelay > 0 {
			if err := h.executor.Sleep(ctx, stepDelay); err != nil {
				return err
			}
		}
	}
	return nil
}
