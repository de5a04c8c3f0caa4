// internal/operator/inputs.go
package operator

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/agentd/internal/humanoid"
)

// InvalidInputError reports a missing or malformed action input.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input %q: %s", e.Field, e.Reason)
}

// Screen is the coordinate space actions are expressed in.
type Screen struct {
	Width  float64
	Height float64
}

// relativeGrid is the size of the normalized grid models may emit coordinates in.
const relativeGrid = 1000.0

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// floats accepts [1,2], ["1","2"] or "(1, 2)" / "[1,2,3,4]" style strings.
func floats(v interface{}) ([]float64, bool) {
	switch list := v.(type) {
	case []interface{}:
		out := make([]float64, 0, len(list))
		for _, item := range list {
			f, ok := toFloat(item)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	case []float64:
		return list, true
	case string:
		trimmed := strings.Trim(strings.TrimSpace(list), "()[]")
		if trimmed == "" {
			return nil, false
		}
		var out []float64
		for _, part := range strings.Split(trimmed, ",") {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	}
	return nil, false
}

// xyKey names the pair of separate "x" and "y" inputs in a pointInput key list.
const xyKey = "x,y"

// pointInput resolves a coordinate from the first present key. A key holds a
// point [x,y] or a box [x1,y1,x2,y2] whose center is used; xyKey reads the
// separate "x" and "y" inputs. With "coordinate_space": "relative" values are
// on a 1000x1000 grid.
func pointInput(inputs map[string]interface{}, screen Screen, keys ...string) (humanoid.Vector2D, error) {
	var p humanoid.Vector2D
	found := false
	for _, key := range keys {
		if key == xyKey {
			xv, okX := inputs["x"]
			yv, okY := inputs["y"]
			if !okX && !okY {
				continue
			}
			x, okX := toFloat(xv)
			y, okY := toFloat(yv)
			if !okX || !okY {
				return p, &InvalidInputError{Field: "x/y", Reason: "coordinates must be numbers"}
			}
			p, found = humanoid.Vector2D{X: x, Y: y}, true
			break
		}
		raw, ok := inputs[key]
		if !ok {
			continue
		}
		vals, ok := floats(raw)
		switch {
		case !ok:
			return p, &InvalidInputError{Field: key, Reason: "expected a point or a box"}
		case len(vals) == 2:
			p = humanoid.Vector2D{X: vals[0], Y: vals[1]}
		case len(vals) == 4:
			p = humanoid.Vector2D{X: (vals[0] + vals[2]) / 2, Y: (vals[1] + vals[3]) / 2}
		default:
			return p, &InvalidInputError{Field: key, Reason: fmt.Sprintf("expected 2 or 4 numbers, got %d", len(vals))}
		}
		found = true
		break
	}
	if !found {
		return p, &InvalidInputError{Field: strings.Join(keys, "|"), Reason: "coordinate is required"}
	}

	if space, _ := inputs["coordinate_space"].(string); space == "relative" {
		if screen.Width <= 0 || screen.Height <= 0 {
			return p, &InvalidInputError{Field: "coordinate_space", Reason: "screen size unknown"}
		}
		p = humanoid.Vector2D{X: p.X / relativeGrid * screen.Width, Y: p.Y / relativeGrid * screen.Height}
	}
	if p.X < 0 || p.Y < 0 || (screen.Width > 0 && p.X > screen.Width) || (screen.Height > 0 && p.Y > screen.Height) {
		return p, &InvalidInputError{Field: "coordinate", Reason: fmt.Sprintf("(%.0f, %.0f) is outside the screen", p.X, p.Y)}
	}
	return p, nil
}

func stringInput(inputs map[string]interface{}, key string) (string, error) {
	raw, ok := inputs[key]
	if !ok {
		return "", &InvalidInputError{Field: key, Reason: "is required"}
	}
	s, ok := raw.(string)
	if !ok {
		return "", &InvalidInputError{Field: key, Reason: "must be a string"}
	}
	return s, nil
}

func optionalString(inputs map[string]interface{}, key, def string) string {
	if s, ok := inputs[key].(string); ok && s != "" {
		return s
	}
	return def
}

func optionalFloat(inputs map[string]interface{}, key string, def float64) float64 {
	if f, ok := toFloat(inputs[key]); ok {
		return f
	}
	return def
}

// stringList accepts ["ctrl","c"] or "ctrl+c".
func stringList(inputs map[string]interface{}, key string) ([]string, error) {
	switch v := inputs[key].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			break
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, &InvalidInputError{Field: key, Reason: "must be a list of strings"}
			}
			out = append(out, s)
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return nil, &InvalidInputError{Field: key, Reason: "is required"}
}
