package ws

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/config"
	"github.com/xkilldash9x/agentd/internal/events"
)

// -- Test Setup Helpers --

type harness struct {
	srv      *Server
	ts       *httptest.Server
	bridge   *events.Bridge
	sessions *MockSessions
}

func newHarness(t *testing.T, mutate ...func(*config.ServerConfig)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig().Server
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{bridge: events.NewBridge(logger, 16), sessions: new(MockSessions)}
	h.srv = NewServer(logger, cfg, h.sessions, h.bridge)
	h.ts = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		h.srv.closeClients()
		h.srv.stop()
		h.ts.Close()
		h.bridge.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, tp FrameType, data interface{}) {
	t.Helper()
	msg, err := encodeFrame(tp, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

func sendRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := decodeFrame(raw)
	require.NoError(t, err)
	return f
}

func readAs[T any](t *testing.T, conn *websocket.Conn, want FrameType) T {
	t.Helper()
	f := readFrame(t, conn)
	require.Equal(t, want, f.Type, "unexpected frame: %s", string(f.Data))
	var out T
	require.NoError(t, json.Unmarshal(f.Data, &out))
	return out
}

// -- Tests --

func TestSocket_PingPong(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, FramePing, nil)
	assert.Equal(t, FramePong, readFrame(t, conn).Type)
}

func TestSocket_MalformedAndUnknownFrames(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	sendRaw(t, conn, "{not json")
	msg := readAs[ErrorMessage](t, conn, FrameError)
	assert.Contains(t, msg.Message, "malformed frame")

	sendRaw(t, conn, `{"type":"dance"}`)
	msg = readAs[ErrorMessage](t, conn, FrameError)
	assert.Contains(t, msg.Message, "dance")
}

func TestSocket_JoinUnknownSession(t *testing.T) {
	h := newHarness(t)
	h.sessions.On("GetSession", "ghost").Return(schemas.SessionSnapshot{}, &schemas.SessionNotFoundError{SessionID: "ghost"})
	conn := h.dial(t)

	send(t, conn, FrameJoinSession, "ghost")
	msg := readAs[ErrorMessage](t, conn, FrameError)
	assert.Equal(t, schemas.ErrCodeSessionNotFound, msg.Code)
	assert.Zero(t, h.bridge.SubscriberCount("ghost"))
}

func TestSocket_JoinSendsStatusThenForwardsEvents(t *testing.T) {
	h := newHarness(t)
	h.sessions.On("GetSession", "s1").Return(schemas.SessionSnapshot{ID: "s1", Status: schemas.StatusRunning, Running: true, Iteration: 2}, nil)
	conn := h.dial(t)

	send(t, conn, FrameJoinSession, SessionRequest{SessionID: "s1"})
	status := readAs[AgentStatus](t, conn, FrameAgentStatus)
	assert.True(t, status.IsProcessing)
	assert.Equal(t, schemas.StatusRunning, status.State)
	assert.Equal(t, 2, status.Iteration)
	require.Equal(t, 1, h.bridge.SubscriberCount("s1"))

	// A second join does not duplicate the subscription.
	send(t, conn, FrameJoinSession, "s1")
	readAs[AgentStatus](t, conn, FrameAgentStatus)
	assert.Equal(t, 1, h.bridge.SubscriberCount("s1"))

	h.bridge.Publish("s1", schemas.Event{Type: schemas.EventProgress, Payload: schemas.ProgressPayload{Iteration: 2, MaxLoops: 5}})
	ev := readAs[AgentEvent](t, conn, FrameAgentEvent)
	assert.Equal(t, schemas.EventProgress, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, uint64(1), ev.Seq)
	data, ok := ev.Data.(map[string]interface{})
	require.True(t, ok, "data must be the event payload: %#v", ev.Data)
	assert.Equal(t, float64(2), data["iteration"])
	assert.Equal(t, float64(5), data["maxLoops"])
	assert.NotContains(t, data, "type")
}

func TestSocket_DisconnectUnsubscribes(t *testing.T) {
	h := newHarness(t)
	h.sessions.On("GetSession", "s1").Return(schemas.SessionSnapshot{ID: "s1", Status: schemas.StatusInit}, nil)
	conn := h.dial(t)

	send(t, conn, FrameJoinSession, "s1")
	readAs[AgentStatus](t, conn, FrameAgentStatus)
	require.Equal(t, 1, h.bridge.SubscriberCount("s1"))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.bridge.SubscriberCount("s1") == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestSocket_SendQuery(t *testing.T) {
	t.Run("completed run", func(t *testing.T) {
		h := newHarness(t)
		h.sessions.On("RunQuery", mock.Anything, "s1", "open settings").
			Return(&schemas.RunResult{SessionID: "s1", Status: schemas.StatusEnd, Iterations: 2}, nil)
		conn := h.dial(t)

		send(t, conn, FrameSendQuery, QueryRequest{SessionID: "s1", Query: "open settings"})
		res := readAs[QueryResult](t, conn, FrameQueryResult)
		assert.Equal(t, schemas.StatusEnd, res.Status)
		assert.Equal(t, 2, res.Iterations)
		assert.Empty(t, res.Error)
	})

	t.Run("busy session", func(t *testing.T) {
		h := newHarness(t)
		h.sessions.On("RunQuery", mock.Anything, "s1", "again").
			Return(&schemas.RunResult{SessionID: "s1", Status: schemas.StatusRunning, Busy: true, Err: schemas.ErrSessionBusy}, nil)
		conn := h.dial(t)

		send(t, conn, FrameSendQuery, QueryRequest{SessionID: "s1", Query: "again"})
		msg := readAs[ErrorMessage](t, conn, FrameError)
		assert.Equal(t, schemas.ErrCodeSessionBusy, msg.Code)
	})

	t.Run("refused before the run", func(t *testing.T) {
		h := newHarness(t)
		h.sessions.On("RunQuery", mock.Anything, "s1", "go").
			Return(nil, &schemas.ModelConfigError{Missing: []string{"name"}})
		conn := h.dial(t)

		send(t, conn, FrameSendQuery, QueryRequest{SessionID: "s1", Query: "go"})
		msg := readAs[ErrorMessage](t, conn, FrameError)
		assert.Equal(t, schemas.ErrCodeModelConfig, msg.Code)
	})

	t.Run("failed run reports the error", func(t *testing.T) {
		h := newHarness(t)
		h.sessions.On("RunQuery", mock.Anything, "s1", "go").
			Return(&schemas.RunResult{SessionID: "s1", Status: schemas.StatusError, Iterations: 1, Err: assert.AnError}, nil)
		conn := h.dial(t)

		send(t, conn, FrameSendQuery, QueryRequest{SessionID: "s1", Query: "go"})
		res := readAs[QueryResult](t, conn, FrameQueryResult)
		assert.Equal(t, schemas.StatusError, res.Status)
		assert.Equal(t, assert.AnError.Error(), res.Error)
	})

	t.Run("missing session id", func(t *testing.T) {
		h := newHarness(t)
		conn := h.dial(t)

		send(t, conn, FrameSendQuery, map[string]string{"query": "go"})
		msg := readAs[ErrorMessage](t, conn, FrameError)
		assert.Equal(t, schemas.ErrCodeInvalidParameters, msg.Code)
		h.sessions.AssertNotCalled(t, "RunQuery", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestSocket_AbortQuery(t *testing.T) {
	h := newHarness(t)
	h.sessions.On("GetSession", "s1").Return(schemas.SessionSnapshot{ID: "s1"}, nil)
	h.sessions.On("GetSession", "ghost").Return(schemas.SessionSnapshot{}, &schemas.SessionNotFoundError{SessionID: "ghost"})
	h.sessions.On("AbortQuery", "s1").Return(true).Once()
	h.sessions.On("AbortQuery", "s1").Return(false)
	conn := h.dial(t)

	send(t, conn, FrameAbortQuery, SessionRequest{SessionID: "s1"})
	assert.True(t, readAs[AbortResult](t, conn, FrameAbortResult).Success)

	send(t, conn, FrameAbortQuery, SessionRequest{SessionID: "s1"})
	assert.False(t, readAs[AbortResult](t, conn, FrameAbortResult).Success)

	send(t, conn, FrameAbortQuery, SessionRequest{SessionID: "ghost"})
	assert.Equal(t, schemas.ErrCodeSessionNotFound, readAs[ErrorMessage](t, conn, FrameError).Code)
	h.sessions.AssertNotCalled(t, "AbortQuery", "ghost")
}

func TestSocket_RateLimit(t *testing.T) {
	h := newHarness(t, func(c *config.ServerConfig) {
		c.MessagesPerSec = 0.001
		c.MessageBurst = 1
	})
	conn := h.dial(t)

	send(t, conn, FramePing, nil)
	send(t, conn, FramePing, nil)
	assert.Equal(t, FramePong, readFrame(t, conn).Type)
	msg := readAs[ErrorMessage](t, conn, FrameError)
	assert.Contains(t, msg.Message, "rate limit")
}

func TestServeListener_ShutsDownOnCancel(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bridge := events.NewBridge(logger, 16)
	t.Cleanup(bridge.Close)
	cfg := config.NewDefaultConfig().Server
	cfg.ShutdownTimeout = 2 * time.Second
	srv := NewServer(logger, cfg, new(MockSessions), bridge)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + "/ws"
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 10*time.Millisecond)
	defer conn.Close()
	// A round trip guarantees the server has registered the client.
	send(t, conn, FramePing, nil)
	require.Equal(t, FramePong, readFrame(t, conn).Type)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	// The open socket is closed by the server.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if assert.ErrorAs(t, err, &closeErr) {
				assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			}
			break
		}
	}
}
