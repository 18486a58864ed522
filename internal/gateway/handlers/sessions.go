package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"deckhand/internal/agent"
	"deckhand/internal/coordinator"
	"deckhand/internal/policy"
	"deckhand/internal/storage"
)

// SessionController is the part of the coordinator the HTTP API drives.
type SessionController interface {
	Start(sessionID string, fc agent.Context, mode policy.PermissionMode) error
	Resume(sessionID string, approved bool, extra agent.Context) error
	Cancel(sessionID string) error
	Snapshot(sessionID string) (coordinator.State, bool)
	Sessions() []coordinator.State
}

// HistoryStore reads the run ledger.
type HistoryStore interface {
	ListSessions(ctx context.Context, limit int) ([]storage.SessionRecord, error)
	SessionHistory(ctx context.Context, sessionID string) ([]storage.SessionRecord, error)
}

// StartRequest is the body of POST /api/v1/sessions.
type StartRequest struct {
	SessionID string                `json:"session_id"`
	Context   agent.Context         `json:"context"`
	Mode      policy.PermissionMode `json:"permission_mode"`
}

// ResumeRequest is the body of POST /api/v1/sessions/{id}/resume.
type ResumeRequest struct {
	Approved bool          `json:"approved"`
	Context  agent.Context `json:"context"`
}

const defaultHistoryLimit = 50

// SessionsHandler serves the session endpoints.
type SessionsHandler struct {
	sessions SessionController
	history  HistoryStore
}

// NewSessionsHandler creates a sessions handler. history may be nil when the
// ledger is disabled.
func NewSessionsHandler(sessions SessionController, history HistoryStore) *SessionsHandler {
	return &SessionsHandler{sessions: sessions, history: history}
}

// RegisterRoutes registers session routes on the router.
func (h *SessionsHandler) RegisterRoutes(router *mux.Router) {
	sub := router.PathPrefix("/api/v1").Subrouter()

	sub.HandleFunc("/sessions", h.HandleList).Methods("GET")
	sub.HandleFunc("/sessions", h.HandleStart).Methods("POST")
	sub.HandleFunc("/sessions/{id}", h.HandleGet).Methods("GET")
	sub.HandleFunc("/sessions/{id}", h.HandleCancel).Methods("DELETE")
	sub.HandleFunc("/sessions/{id}/resume", h.HandleResume).Methods("POST")
	sub.HandleFunc("/sessions/{id}/cancel", h.HandleCancel).Methods("POST")
	sub.HandleFunc("/sessions/{id}/history", h.HandleSessionHistory).Methods("GET")

	sub.HandleFunc("/history", h.HandleListHistory).Methods("GET")
}

// HandleList returns every live session.
func (h *SessionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	SendJSON(w, http.StatusOK, map[string]any{
		"sessions": h.sessions.Sessions(),
	})
}

// HandleStart starts a session. A missing session id is generated.
func (h *SessionsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	if err := h.sessions.Start(req.SessionID, req.Context, req.Mode); err != nil {
		sendControlError(w, err, http.StatusConflict)
		return
	}

	resp := map[string]any{"session_id": req.SessionID}
	if st, ok := h.sessions.Snapshot(req.SessionID); ok {
		resp["session"] = st
	}
	SendJSON(w, http.StatusAccepted, resp)
}

// HandleGet returns a live session.
func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	st, ok := h.sessions.Snapshot(id)
	if !ok {
		SendError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	SendJSON(w, http.StatusOK, st)
}

// HandleResume delivers an approval decision.
func (h *SessionsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	if err := h.sessions.Resume(id, req.Approved, req.Context); err != nil {
		sendControlError(w, err, http.StatusNotFound)
		return
	}
	SendJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"approved":   req.Approved,
	})
}

// HandleCancel cancels a session.
func (h *SessionsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.sessions.Cancel(id); err != nil {
		sendControlError(w, err, http.StatusNotFound)
		return
	}
	SendJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"cancelled":  true,
	})
}

// HandleSessionHistory returns the ledger records of one session.
func (h *SessionsHandler) HandleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "history is disabled")
		return
	}
	id := mux.Vars(r)["id"]

	records, err := h.history.SessionHistory(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			SendError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
			return
		}
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	SendJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"records":    records,
	})
}

// HandleListHistory returns the most recent ledger records.
func (h *SessionsHandler) HandleListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "history is disabled")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.history.ListSessions(r.Context(), limit)
	if err != nil {
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	SendJSON(w, http.StatusOK, map[string]any{
		"records": records,
	})
}

// sendControlError maps coordinator errors to responses. invalidStatus is
// used for ErrInvalidSessionState: a conflict on start, an unknown session
// on resume and cancel.
func sendControlError(w http.ResponseWriter, err error, invalidStatus int) {
	switch {
	case errors.Is(err, coordinator.ErrInvalidSessionState):
		SendError(w, invalidStatus, ErrCodeInvalidState, err.Error())
	case errors.Is(err, policy.ErrUnknownMode):
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, coordinator.ErrClosed):
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
	default:
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
