// File: internal/agent/parser.go
package agent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/agentd/api/schemas"
)

// Prediction is a parsed model response.
type Prediction struct {
	Thought    string           `json:"thought"`
	Reflection string           `json:"reflection"`
	Actions    []schemas.Action `json:"actions"`
}

// ErrEmptyPrediction is returned for blank model output.
var ErrEmptyPrediction = errors.New("model returned an empty prediction")

// Extracts the body of a markdown code block.
var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

type rawAction struct {
	Type       string                 `json:"type"`
	Action     string                 `json:"action"`
	Inputs     map[string]interface{} `json:"inputs"`
	Params     map[string]interface{} `json:"params"`
	Thought    string                 `json:"thought"`
	Reflection string                 `json:"reflection"`
}

type rawPrediction struct {
	Thought    string      `json:"thought"`
	Reflection string      `json:"reflection"`
	Actions    []rawAction `json:"actions"`
	// A single action may be given inline.
	Type   string                 `json:"type"`
	Action string                 `json:"action"`
	Inputs map[string]interface{} `json:"inputs"`
	Params map[string]interface{} `json:"params"`
}

// ParsePrediction decodes a model response. It accepts an object with an
// "actions" list, a single action object, a bare array of actions, or either
// of those inside a ```json fenced block. Actions without a type are rejected.
func ParsePrediction(raw string) (Prediction, error) {
	body := strings.TrimSpace(raw)
	if m := fencedBlock.FindStringSubmatch(body); len(m) > 1 {
		body = strings.TrimSpace(m[1])
	}
	if body == "" {
		return Prediction{}, ErrEmptyPrediction
	}

	var actions []rawAction
	var pred Prediction
	switch body[0] {
	case '[':
		if err := json.UnmarshalFromString(body, &actions); err != nil {
			return Prediction{}, fmt.Errorf("malformed action list: %w", err)
		}
	case '{':
		var rp rawPrediction
		if err := json.UnmarshalFromString(body, &rp); err != nil {
			return Prediction{}, fmt.Errorf("malformed prediction: %w", err)
		}
		pred.Thought, pred.Reflection = rp.Thought, rp.Reflection
		actions = rp.Actions
		if len(actions) == 0 && (rp.Type != "" || rp.Action != "") {
			actions = []rawAction{{Type: rp.Type, Action: rp.Action, Inputs: rp.Inputs, Params: rp.Params}}
		}
	default:
		return Prediction{}, fmt.Errorf("prediction is not JSON: %q", truncate(body, 64))
	}

	pred.Actions = make([]schemas.Action, 0, len(actions))
	for i, ra := range actions {
		tp := strings.TrimSpace(ra.Type)
		if tp == "" {
			tp = strings.TrimSpace(ra.Action)
		}
		if tp == "" {
			return Prediction{}, fmt.Errorf("action %d has no type", i)
		}
		inputs := ra.Inputs
		if inputs == nil {
			inputs = ra.Params
		}
		pred.Actions = append(pred.Actions, schemas.Action{
			Type:       strings.ToLower(tp),
			Inputs:     inputs,
			Thought:    ra.Thought,
			Reflection: ra.Reflection,
		})
	}
	return pred, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
