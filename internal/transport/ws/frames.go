// File: internal/transport/ws/frames.go
package ws

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/agentd/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FrameType names a socket message. The names are shared with existing UI clients.
type FrameType string

const (
	// Client to server.
	FrameJoinSession FrameType = "join-session"
	FrameSendQuery   FrameType = "send-query"
	FrameAbortQuery  FrameType = "abort-query"
	FramePing        FrameType = "ping"

	// Server to client.
	FrameAgentStatus FrameType = "agent-status"
	FrameAgentEvent  FrameType = "agent-event"
	FrameAbortResult FrameType = "abort-result"
	FrameQueryResult FrameType = "query-result"
	FrameError       FrameType = "error"
	FramePong        FrameType = "pong"
)

// Frame is the envelope of every socket message.
type Frame struct {
	Type FrameType          `json:"type"`
	Data jsoniter.RawMessage `json:"data,omitempty"`
}

// SessionRequest addresses a session. join-session also accepts a bare string.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// QueryRequest is the payload of send-query.
type QueryRequest struct {
	SessionID string `json:"sessionId"`
	Query     string `json:"query"`
}

// AgentStatus is sent right after a successful join.
type AgentStatus struct {
	SessionID    string         `json:"sessionId"`
	IsProcessing bool           `json:"isProcessing"`
	State        schemas.Status `json:"state"`
	Iteration    int            `json:"iteration"`
}

// AgentEvent carries one bridge event. Data is the event payload.
type AgentEvent struct {
	Type      schemas.EventType `json:"type"`
	SessionID string            `json:"sessionId"`
	Seq       uint64            `json:"seq"`
	Time      time.Time         `json:"time"`
	Data      interface{}       `json:"data,omitempty"`
}

// AbortResult answers abort-query.
type AbortResult struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

// QueryResult reports how a send-query run ended.
type QueryResult struct {
	SessionID  string         `json:"sessionId"`
	Status     schemas.Status `json:"status"`
	Iterations int            `json:"iterations"`
	Error      string         `json:"error,omitempty"`
}

// ErrorMessage is the payload of error frames.
type ErrorMessage struct {
	Message string            `json:"message"`
	Code    schemas.ErrorCode `json:"code,omitempty"`
}

func encodeFrame(tp FrameType, data interface{}) ([]byte, error) {
	f := Frame{Type: tp}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", tp, err)
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

func decodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("malformed frame: missing type")
	}
	return f, nil
}

// sessionIDOf reads a session id given either as "id" or {"sessionId": "id"}.
func sessionIDOf(data jsoniter.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		id = strings.TrimSpace(id)
	} else {
		var req SessionRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return "", fmt.Errorf("invalid session reference: %w", err)
		}
		id = strings.TrimSpace(req.SessionID)
	}
	if id == "" {
		return "", fmt.Errorf("sessionId is required")
	}
	return id, nil
}
