// File: api/schemas/events.go
package schemas

import "time"

// EventType names the kinds of events a session publishes.
type EventType string

const (
	EventStatusChanged   EventType = "status-changed"
	EventHistoryAppended EventType = "history-appended"
	EventThinkingStarted EventType = "thinking-started"
	EventActionResult    EventType = "action-result"
	EventRunAborted      EventType = "run-aborted"
	EventProgress        EventType = "progress" // One iteration finished.
	EventSessionRemoved  EventType = "session-removed"
)

// Event is the unit of fan-out. Seq increases monotonically per session.
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"sessionId"`
	Seq       uint64      `json:"seq"`
	Time      time.Time   `json:"time"`
	Payload   interface{} `json:"payload,omitempty"`
}

type StatusPayload struct {
	Status   Status `json:"status"`
	Previous Status `json:"previous"`
}

type HistoryPayload struct {
	Entry ConversationEntry `json:"entry"`
}

type ThinkingPayload struct {
	Iteration   int    `json:"iteration"`
	ActionIndex int    `json:"actionIndex"`
	Action      Action `json:"action"`
}

type ActionResultPayload struct {
	Iteration int          `json:"iteration"`
	Action    Action       `json:"action"`
	Result    ActionResult `json:"result"`
}

type AbortPayload struct {
	Iteration int `json:"iteration"`
}

// SessionRemovedPayload is the last event of a torn-down session.
type SessionRemovedPayload struct {
	Status     Status `json:"status"`
	Iterations int    `json:"iterations"`
}

type ProgressPayload struct {
	Iteration int `json:"iteration"`
	MaxLoops  int `json:"maxLoops"`
}
