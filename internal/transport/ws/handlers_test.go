package ws

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/session"
)

func doRequest(t *testing.T, h *harness, method, path, body string) (int, Response) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out Response
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestHealthCheck(t *testing.T) {
	h := newHarness(t)
	resp, err := h.ts.Client().Get(h.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlers_ListAndGet(t *testing.T) {
	h := newHarness(t)
	h.sessions.On("ListSessions").Return([]schemas.SessionSnapshot{{ID: "a"}, {ID: "b"}})
	h.sessions.On("GetSession", "a").Return(schemas.SessionSnapshot{ID: "a", Status: schemas.StatusEnd}, nil)
	h.sessions.On("GetSession", "zzz").Return(schemas.SessionSnapshot{}, &schemas.SessionNotFoundError{SessionID: "zzz"})

	code, resp := doRequest(t, h, http.MethodGet, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", resp.Status)
	assert.Len(t, resp.Data, 2)

	code, resp = doRequest(t, h, http.MethodGet, "/api/v1/sessions/a", "")
	assert.Equal(t, http.StatusOK, code)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "END", data["status"])

	code, resp = doRequest(t, h, http.MethodGet, "/api/v1/sessions/zzz", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, string(schemas.ErrCodeSessionNotFound), resp.Code)
}

func TestHandlers_CreateSession(t *testing.T) {
	h := newHarness(t)
	h.sessions.On("CreateSession", mock.Anything, "s1", session.Options{OperatorKind: "browser"}).
		Return(schemas.SessionSnapshot{ID: "s1", OperatorKind: "browser", Status: schemas.StatusInit}, nil).Once()
	h.sessions.On("CreateSession", mock.Anything, "s1", session.Options{OperatorKind: "browser"}).
		Return(schemas.SessionSnapshot{}, fmt.Errorf("%w: s1", session.ErrSessionExists))
	h.sessions.On("CreateSession", mock.Anything, "", session.Options{}).
		Return(schemas.SessionSnapshot{ID: "generated"}, nil)

	code, resp := doRequest(t, h, http.MethodPost, "/api/v1/sessions", `{"id":"s1","operator":"browser"}`)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "success", resp.Status)

	code, _ = doRequest(t, h, http.MethodPost, "/api/v1/sessions", `{"id":"s1","operator":"browser"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, resp = doRequest(t, h, http.MethodPost, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "generated", resp.Data.(map[string]interface{})["id"])

	code, resp = doRequest(t, h, http.MethodPost, "/api/v1/sessions", `{"id":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(schemas.ErrCodeInvalidParameters), resp.Code)
}

func TestHandlers_CreateSessionModelConfig(t *testing.T) {
	h := newHarness(t)
	h.sessions.On("CreateSession", mock.Anything, "s1", session.Options{}).
		Return(schemas.SessionSnapshot{}, &schemas.ModelConfigError{Reason: "api key missing"})

	code, resp := doRequest(t, h, http.MethodPost, "/api/v1/sessions", `{"id":"s1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(schemas.ErrCodeModelConfig), resp.Code)
}

func TestHandlers_DeleteAndClear(t *testing.T) {
	h := newHarness(t)
	h.sessions.On("Teardown", mock.Anything, "s1").Return(nil)
	h.sessions.On("Teardown", mock.Anything, "zzz").Return(&schemas.SessionNotFoundError{SessionID: "zzz"})
	h.sessions.On("ClearHistory", "s1").Return(nil).Once()
	h.sessions.On("ClearHistory", "s1").Return(schemas.ErrSessionBusy)

	code, _ := doRequest(t, h, http.MethodDelete, "/api/v1/sessions/s1", "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = doRequest(t, h, http.MethodDelete, "/api/v1/sessions/zzz", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = doRequest(t, h, http.MethodDelete, "/api/v1/sessions/s1/history", "")
	assert.Equal(t, http.StatusNoContent, code)
	code, resp := doRequest(t, h, http.MethodDelete, "/api/v1/sessions/s1/history", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(schemas.ErrCodeSessionBusy), resp.Code)
}

func TestHandlers_Abort(t *testing.T) {
	h := newHarness(t)
	h.sessions.On("GetSession", "s1").Return(schemas.SessionSnapshot{ID: "s1"}, nil)
	h.sessions.On("AbortQuery", "s1").Return(true)

	code, resp := doRequest(t, h, http.MethodPost, "/api/v1/sessions/s1/abort", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp.Data.(map[string]interface{})["success"])
}
