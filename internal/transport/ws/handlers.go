// File: internal/transport/ws/handlers.go
package ws

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentd/api/schemas"
	"github.com/xkilldash9x/agentd/internal/session"
)

// Response is the envelope of every REST answer.
type Response struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
	Code   string      `json:"code,omitempty"`
}

// CreateSessionRequest is the optional body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	ID       string `json:"id"`
	Operator string `json:"operator"`
}

// Handlers serves the session REST API.
type Handlers struct {
	log      *zap.Logger
	sessions Sessions
}

func newHandlers(logger *zap.Logger, sessions Sessions) *Handlers {
	return &Handlers{log: logger.Named("http"), sessions: sessions}
}

// RegisterRoutes mounts the health check and the /api/v1 routes.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Get("/", h.HandleListSessions)
		r.Post("/", h.HandleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.HandleGetSession)
			r.Delete("/", h.HandleDeleteSession)
			r.Delete("/history", h.HandleClearHistory)
			r.Post("/abort", h.HandleAbort)
		})
	})
}

func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, h.sessions.ListSessions())
}

func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "failed to read request body", "")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), schemas.ErrCodeInvalidParameters)
			return
		}
	}

	snap, err := h.sessions.CreateSession(r.Context(), req.ID, session.Options{OperatorKind: req.Operator})
	if err != nil {
		h.respondWithErr(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusCreated, snap)
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.GetSession(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondWithErr(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, snap)
}

func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.sessions.Teardown(r.Context(), id); err != nil {
		h.respondWithErr(w, err)
		return
	}
	h.log.Info("Session deleted.", zap.String("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.ClearHistory(chi.URLParam(r, "sessionID")); err != nil {
		h.respondWithErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleAbort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.GetSession(id); err != nil {
		h.respondWithErr(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, AbortResult{SessionID: id, Success: h.sessions.AbortQuery(id)})
}

// respondWithErr maps domain errors onto HTTP status codes.
func (h *Handlers) respondWithErr(w http.ResponseWriter, err error) {
	code := schemas.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case code == schemas.ErrCodeSessionNotFound:
		status = http.StatusNotFound
	case code == schemas.ErrCodeSessionBusy, errors.Is(err, session.ErrSessionExists):
		status = http.StatusConflict
	case code == schemas.ErrCodeModelConfig, code == schemas.ErrCodePermission:
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrManagerClosed):
		status = http.StatusServiceUnavailable
	default:
		h.log.Error("Request failed.", zap.Error(err))
	}
	h.respondWithError(w, status, err.Error(), code)
}

func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string, code schemas.ErrorCode) {
	h.respond(w, statusCode, Response{Status: "error", Error: message, Code: string(code)})
}

func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respond(w, statusCode, Response{Status: "success", Data: data})
}

func (h *Handlers) respond(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response.", zap.Error(err))
	}
}
