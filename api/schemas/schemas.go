// File: api/schemas/schemas.go
package schemas

import (
	"encoding/json"
	"time"
)

// Status is the externally visible state of a session's agent loop.
type Status string

const (
	StatusInit     Status = "INIT"      // Session created, no run yet.
	StatusRunning  Status = "RUNNING"   // A run is in flight.
	StatusCallUser Status = "CALL_USER" // The agent handed control back to the human.
	StatusMaxLoop  Status = "MAX_LOOP"  // The iteration cap was reached.
	StatusEnd      Status = "END"       // Finished, or aborted.
	StatusError    Status = "ERROR"     // The run failed.
)

// Terminal reports whether no run is in flight in this status.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Origin identifies who produced a conversation entry.
type Origin string

const (
	OriginHuman Origin = "human"
	OriginAgent Origin = "agent"
)

// Well-known action types. Actuators may accept others; the set is open.
const (
	ActionFinished    = "finished"
	ActionCallUser    = "call_user"
	ActionCallTool    = "call_tool"
	ActionClick       = "click"
	ActionDoubleClick = "double_click"
	ActionRightClick  = "right_click"
	ActionDrag        = "drag"
	ActionTypeText    = "type"
	ActionHotkey      = "hotkey"
	ActionScroll      = "scroll"
	ActionWait        = "wait"
	ActionNavigate    = "navigate"
	ActionMouseMove   = "mouse_move"
)

// IsTerminalAction reports whether the action type ends the run instead of being dispatched.
func IsTerminalAction(actionType string) bool {
	return actionType == ActionFinished || actionType == ActionCallUser
}

// Action is a single step the model asked for.
type Action struct {
	Type       string                 `json:"type"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	Thought    string                 `json:"thought,omitempty"`
	Reflection string                 `json:"reflection,omitempty"`
}

// Timing records when the work behind an entry started and ended.
type Timing struct {
	Start time.Time     `json:"start"`
	End   time.Time     `json:"end"`
	Cost  time.Duration `json:"cost"`
}

// EntryError is attached to error entries appended for failed actions or
// failed run phases.
type EntryError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	ActionType string    `json:"actionType,omitempty"`
}

// ConversationEntry is one immutable record in a session's history.
type ConversationEntry struct {
	ID             string      `json:"id"`
	Origin         Origin      `json:"origin"`
	Text           string      `json:"text,omitempty"`
	ObservationRef string      `json:"observationRef,omitempty"`
	Actions        []Action    `json:"actions,omitempty"`
	ParseError     string      `json:"parseError,omitempty"`
	Error          *EntryError `json:"error,omitempty"`
	Timing         *Timing     `json:"timing,omitempty"`
	Iteration      int         `json:"iteration"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// IsError reports whether this entry records a failure.
func (e ConversationEntry) IsError() bool { return e.Error != nil }

// Observation is a snapshot of the controlled environment. Only its ID is
// stored in history; the payload stays with the caller that captured it.
type Observation struct {
	ID         string    `json:"id"`
	MimeType   string    `json:"mimeType"`
	Data       []byte    `json:"-"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	URL        string    `json:"url,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

// ResultStatus is the outcome of a dispatched action.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
)

// ActionResult is what an actuator reports back for one action.
type ActionResult struct {
	Status       ResultStatus  `json:"status"`
	Output       interface{}   `json:"output,omitempty"`
	ErrorCode    ErrorCode     `json:"errorCode,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Duration     time.Duration `json:"duration"`
	// Err carries the typed error behind a failed result for errors.As checks.
	Err error `json:"-"`
}

// Failed reports whether the action did not succeed.
func (r *ActionResult) Failed() bool { return r == nil || r.Status != ResultSuccess }

// ToolDescriptor describes one capability exposed by a provider.
type ToolDescriptor struct {
	Provider      string          `json:"provider"`
	Name          string          `json:"name"`
	QualifiedName string          `json:"qualifiedName"`
	Description   string          `json:"description,omitempty"`
	InputSchema   json.RawMessage `json:"inputSchema,omitempty"`
}

// RunResult is returned when a run ends, or immediately when a run was refused.
type RunResult struct {
	SessionID  string `json:"sessionId"`
	Status     Status `json:"status"`
	Iterations int    `json:"iterations"`
	Busy       bool   `json:"busy"`
	Err        error  `json:"-"`
}

// SessionSnapshot is a sanitized, detached copy of a session.
type SessionSnapshot struct {
	ID           string              `json:"id"`
	Status       Status              `json:"status"`
	Running      bool                `json:"isProcessing"`
	Iteration    int                 `json:"iteration"`
	Instruction  string              `json:"instruction,omitempty"`
	OperatorKind string              `json:"operator"`
	Providers    []string            `json:"providers,omitempty"`
	History      []ConversationEntry `json:"history"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}
