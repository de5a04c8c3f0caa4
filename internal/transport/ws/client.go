// File: internal/transport/ws/client.go
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// client is one socket connection and the bridge subscriptions it holds.
type client struct {
	id      string
	server  *Server
	conn    *websocket.Conn
	limiter *rate.Limiter
	logger  *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]events.SubscriptionID
}

func newClient(s *Server, conn *websocket.Conn, limiter *rate.Limiter) *client {
	id := uuid.NewString()
	return &client{
		id:      id,
		server:  s,
		conn:    conn,
		limiter: limiter,
		logger:  s.logger.With(zap.String("client_id", id)),
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		subs:    make(map[string]events.SubscriptionID),
	}
}

// close stops the pumps and drops every subscription of the client. The
// write pump closes the connection on its way out.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]events.SubscriptionID)
		c.mu.Unlock()
		for _, id := range subs {
			c.server.bridge.Unsubscribe(id)
		}
	})
}

// readPump reads frames until the connection fails. It owns the client's shutdown.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("Failed to set initial read deadline.", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket closed unexpectedly.", zap.Error(err))
			}
			return
		}
		if !c.limiter.Allow() {
			c.sendError("rate limit exceeded; message dropped", "")
			continue
		}
		frame, err := decodeFrame(raw)
		if err != nil {
			c.sendError(err.Error(), "")
			continue
		}
		c.process(frame)
	}
}

// writePump serializes every write to the connection and keeps it alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("Write failed; closing client.", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) process(f Frame) {
	switch f.Type {
	case FramePing:
		c.emit(FramePong, nil)
	case FrameJoinSession:
		id, err := sessionIDOf(f.Data)
		if err != nil {
			c.sendError(err.Error(), schemas.ErrCodeInvalidParameters)
			return
		}
		c.join(id)
	case FrameSendQuery:
		var req QueryRequest
		if err := json.Unmarshal(f.Data, &req); err != nil || req.SessionID == "" {
			c.sendError("send-query requires sessionId and query", schemas.ErrCodeInvalidParameters)
			return
		}
		// Runs may take minutes; the read pump must stay responsive.
		go c.runQuery(req)
	case FrameAbortQuery:
		id, err := sessionIDOf(f.Data)
		if err != nil {
			c.sendError(err.Error(), schemas.ErrCodeInvalidParameters)
			return
		}
		if _, err := c.server.sessions.GetSession(id); err != nil {
			c.sendError(err.Error(), schemas.CodeOf(err))
			return
		}
		c.emit(FrameAbortResult, AbortResult{SessionID: id, Success: c.server.sessions.AbortQuery(id)})
	default:
		c.logger.Debug("Unknown frame type.", zap.String("type", string(f.Type)))
		c.sendError("unknown or unsupported message type: "+string(f.Type), "")
	}
}

// join subscribes the client to a session's events and sends its status.
func (c *client) join(sessionID string) {
	snap, err := c.server.sessions.GetSession(sessionID)
	if err != nil {
		c.sendError(err.Error(), schemas.CodeOf(err))
		return
	}

	c.mu.Lock()
	_, joined := c.subs[sessionID]
	c.mu.Unlock()
	if !joined {
		id := c.server.bridge.Subscribe(sessionID, c.forward)
		if id == "" {
			c.sendError("server is shutting down", "")
			return
		}
		c.mu.Lock()
		select {
		case <-c.done:
			c.mu.Unlock()
			c.server.bridge.Unsubscribe(id)
			return
		default:
		}
		c.subs[sessionID] = id
		c.mu.Unlock()
		c.logger.Debug("Joined session.", zap.String("session_id", sessionID))
	}

	c.emit(FrameAgentStatus, AgentStatus{
		SessionID:    sessionID,
		IsProcessing: snap.Running,
		State:        snap.Status,
		Iteration:    snap.Iteration,
	})
}

// forward is the bridge handler of every subscription the client holds. It
// runs on the subscription's own delivery goroutine, so it waits for room in
// the send buffer; backpressure beyond that is the bridge queue's job.
func (c *client) forward(ev schemas.Event) error {
	frame := AgentEvent{Type: ev.Type, SessionID: ev.SessionID, Seq: ev.Seq, Time: ev.Time, Data: ev.Payload}
	if !c.emitWait(FrameAgentEvent, frame) {
		return events.ErrSubscriberClosed
	}
	return nil
}

func (c *client) runQuery(req QueryRequest) {
	res, err := c.server.sessions.RunQuery(c.server.baseCtx, req.SessionID, req.Query)
	if err != nil {
		c.sendError(err.Error(), schemas.CodeOf(err))
		return
	}
	if res.Busy {
		c.sendError(schemas.ErrSessionBusy.Error(), schemas.ErrCodeSessionBusy)
		return
	}
	out := QueryResult{SessionID: res.SessionID, Status: res.Status, Iterations: res.Iterations}
	var aborted *schemas.AbortedError
	if res.Err != nil && !errors.As(res.Err, &aborted) {
		out.Error = res.Err.Error()
	}
	c.emitWait(FrameQueryResult, out)
}

func (c *client) sendError(message string, code schemas.ErrorCode) {
	c.emit(FrameError, ErrorMessage{Message: message, Code: code})
}

// emitWait queues a frame for the write pump, waiting for buffer space. It
// reports false once the client is closed.
func (c *client) emitWait(tp FrameType, data interface{}) bool {
	msg, err := encodeFrame(tp, data)
	if err != nil {
		c.logger.Error("Failed to encode frame.", zap.String("type", string(tp)), zap.Error(err))
		return true
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case <-c.done:
		return false
	case c.send <- msg:
		return true
	}
}

// emit queues a reply frame for the write pump. It reports false once the
// client is closed. Replies are dropped when the send buffer is full so the
// read pump never stalls.
func (c *client) emit(tp FrameType, data interface{}) bool {
	msg, err := encodeFrame(tp, data)
	if err != nil {
		c.logger.Error("Failed to encode frame.", zap.String("type", string(tp)), zap.Error(err))
		return true
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case <-c.done:
		return false
	case c.send <- msg:
	default:
		c.logger.Warn("Send buffer full; dropping frame.", zap.String("type", string(tp)))
	}
	return true
}
