// internal/llmclient/prompt.go
package llmclient

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/agent"
)

// historyWindow bounds how many past entries are replayed to the model.
const historyWindow = 12

const systemPreamble = `You operate a computer on behalf of a user. Each turn you receive the task,
the recent conversation and a screenshot of the current screen.

Answer with JSON only:
{"thought": "...", "reflection": "...", "actions": [{"type": "<action type>", "inputs": {...}}]}

Coordinates are [x, y] on a 0-1000 grid relative to the screenshot.
Use "finished" when the task is complete and "call_user" when you need the user.`

// buildPrompt renders the system and user prompts for one prediction.
func buildPrompt(req agent.PredictionRequest) (system, user string) {
	var sb strings.Builder
	sb.WriteString(systemPreamble)
	if len(req.ActionTypes) > 0 {
		fmt.Fprintf(&sb, "\n\nAvailable action types: %s, finished, call_user.", strings.Join(req.ActionTypes, ", "))
	}
	if len(req.Tools) > 0 {
		sb.WriteString("\n\nTools (use the call_tool action with inputs {\"name\": \"<qualified name>\", \"arguments\": {...}}):")
		for _, t := range req.Tools {
			fmt.Fprintf(&sb, "\n- %s", t.QualifiedName)
			if t.Description != "" {
				fmt.Fprintf(&sb, ": %s", t.Description)
			}
			if len(t.InputSchema) > 0 {
				fmt.Fprintf(&sb, " schema=%s", string(t.InputSchema))
			}
		}
	}
	system = sb.String()

	sb.Reset()
	fmt.Fprintf(&sb, "Task: %s\nIteration: %d\n", req.Instruction, req.Iteration)
	history := req.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	if len(history) > 0 {
		sb.WriteString("\nRecent conversation:\n")
		for _, e := range history {
			sb.WriteString(describeEntry(e))
			sb.WriteByte('\n')
		}
	}
	if req.Observation == nil {
		sb.WriteString("\nNo screenshot is available for this turn.\n")
	}
	return system, sb.String()
}

func describeEntry(e schemas.ConversationEntry) string {
	switch {
	case e.IsError():
		return fmt.Sprintf("[error %s] %s", e.Error.Code, e.Error.Message)
	case e.Origin == schemas.OriginHuman:
		return "[user] " + e.Text
	case e.ParseError != "":
		return "[you, unparseable] " + truncateText(e.Text, 200)
	default:
		types := make([]string, 0, len(e.Actions))
		for _, a := range e.Actions {
			types = append(types, a.Type)
		}
		return fmt.Sprintf("[you, iteration %d] actions: %s", e.Iteration, strings.Join(types, ", "))
	}
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
