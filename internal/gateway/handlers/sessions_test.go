package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"deckhand/internal/agent"
	"deckhand/internal/coordinator"
	"deckhand/internal/policy"
	"deckhand/internal/storage"
)

type fakeSessions struct {
	mu      sync.Mutex
	live    map[string]coordinator.State
	resumed []ResumeRequest
	err     error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{live: make(map[string]coordinator.State)}
}

func (f *fakeSessions) Start(id string, fc agent.Context, mode policy.PermissionMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.live[id]; ok {
		return fmt.Errorf("%w: session %s already exists", coordinator.ErrInvalidSessionState, id)
	}
	if mode == "" {
		mode = policy.ModeManual
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", policy.ErrUnknownMode, mode)
	}
	f.live[id] = coordinator.State{SessionID: id, Context: fc, Mode: mode, Running: true}
	return nil
}

func (f *fakeSessions) Resume(id string, approved bool, extra agent.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; !ok {
		return fmt.Errorf("%w: session %s not found", coordinator.ErrInvalidSessionState, id)
	}
	f.resumed = append(f.resumed, ResumeRequest{Approved: approved, Context: extra})
	return nil
}

func (f *fakeSessions) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; !ok {
		return fmt.Errorf("%w: session %s not found", coordinator.ErrInvalidSessionState, id)
	}
	delete(f.live, id)
	return nil
}

func (f *fakeSessions) Snapshot(id string) (coordinator.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.live[id]
	return st, ok
}

func (f *fakeSessions) Sessions() []coordinator.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]coordinator.State, 0, len(f.live))
	for _, st := range f.live {
		out = append(out, st)
	}
	return out
}

func setupSessionsTest(t *testing.T, history HistoryStore) (*fakeSessions, *mux.Router) {
	t.Helper()
	sessions := newFakeSessions()
	router := mux.NewRouter()
	NewSessionsHandler(sessions, history).RegisterRoutes(router)
	return sessions, router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error body %q: %v", w.Body.String(), err)
	}
	return resp.Error.Code
}

func TestSessionsHandlerStart(t *testing.T) {
	sessions, router := setupSessionsTest(t, nil)

	w := do(router, "POST", "/api/v1/sessions",
		`{"session_id":"s1","context":[{"key":"workspace","value":"/repo"}],"permission_mode":"autoApproveEdits"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want %d: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	st, ok := sessions.Snapshot("s1")
	if !ok {
		t.Fatal("session s1 not started")
	}
	if st.Mode != policy.ModeAutoApproveEdits {
		t.Errorf("mode = %s, want %s", st.Mode, policy.ModeAutoApproveEdits)
	}
	if v, _ := st.Context.Get("workspace"); v != "/repo" {
		t.Errorf("context = %v", st.Context)
	}
}

func TestSessionsHandlerStartGeneratesID(t *testing.T) {
	_, router := setupSessionsTest(t, nil)

	w := do(router, "POST", "/api/v1/sessions", `{}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusAccepted)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if id, _ := resp["session_id"].(string); id == "" {
		t.Errorf("no session id generated: %s", w.Body.String())
	}
}

func TestSessionsHandlerStartErrors(t *testing.T) {
	_, router := setupSessionsTest(t, nil)
	do(router, "POST", "/api/v1/sessions", `{"session_id":"s1"}`)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"bad body", `{`, http.StatusBadRequest, ErrCodeInvalidRequest},
		{"duplicate", `{"session_id":"s1"}`, http.StatusConflict, ErrCodeInvalidState},
		{"unknown mode", `{"session_id":"s2","permission_mode":"yolo"}`, http.StatusBadRequest, ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, "POST", "/api/v1/sessions", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
		})
	}
}

func TestSessionsHandlerClosed(t *testing.T) {
	sessions, router := setupSessionsTest(t, nil)
	sessions.err = coordinator.ErrClosed

	w := do(router, "POST", "/api/v1/sessions", `{"session_id":"s1"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestSessionsHandlerGetAndList(t *testing.T) {
	_, router := setupSessionsTest(t, nil)
	do(router, "POST", "/api/v1/sessions", `{"session_id":"s1"}`)

	w := do(router, "GET", "/api/v1/sessions/s1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusOK)
	}
	var st coordinator.State
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	if st.SessionID != "s1" || !st.Running {
		t.Errorf("state = %+v", st)
	}

	if w := do(router, "GET", "/api/v1/sessions/ghost", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = do(router, "GET", "/api/v1/sessions", "")
	var resp struct {
		Sessions []coordinator.State `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(resp.Sessions) != 1 {
		t.Errorf("got %d sessions, want 1", len(resp.Sessions))
	}
}

func TestSessionsHandlerResume(t *testing.T) {
	sessions, router := setupSessionsTest(t, nil)
	do(router, "POST", "/api/v1/sessions", `{"session_id":"s1"}`)

	w := do(router, "POST", "/api/v1/sessions/s1/resume",
		`{"approved":true,"context":[{"key":"note","value":"ok"}]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want %d: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	if len(sessions.resumed) != 1 || !sessions.resumed[0].Approved {
		t.Fatalf("resumed = %+v", sessions.resumed)
	}
	if v, _ := sessions.resumed[0].Context.Get("note"); v != "ok" {
		t.Errorf("extra context = %v", sessions.resumed[0].Context)
	}

	w = do(router, "POST", "/api/v1/sessions/ghost/resume", `{"approved":false}`)
	if w.Code != http.StatusNotFound || errorCode(t, w) != ErrCodeInvalidState {
		t.Errorf("unknown session: status = %d body = %s", w.Code, w.Body.String())
	}
	if w := do(router, "POST", "/api/v1/sessions/s1/resume", `nope`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestSessionsHandlerCancel(t *testing.T) {
	sessions, router := setupSessionsTest(t, nil)
	do(router, "POST", "/api/v1/sessions", `{"session_id":"s1"}`)
	do(router, "POST", "/api/v1/sessions", `{"session_id":"s2"}`)

	if w := do(router, "POST", "/api/v1/sessions/s1/cancel", ""); w.Code != http.StatusAccepted {
		t.Errorf("cancel status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if w := do(router, "DELETE", "/api/v1/sessions/s2", ""); w.Code != http.StatusAccepted {
		t.Errorf("delete status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if len(sessions.Sessions()) != 0 {
		t.Errorf("sessions left: %+v", sessions.Sessions())
	}

	w := do(router, "POST", "/api/v1/sessions/s1/cancel", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second cancel status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSessionsHandlerHistory(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if _, err := db.StartSession(ctx, "s1", "manual", agent.NewContext("workspace", "/repo"), time.Now()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := db.FinishSession(ctx, "s1", "completed", "", time.Now()); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}

	_, router := setupSessionsTest(t, db)

	w := do(router, "GET", "/api/v1/sessions/s1/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp struct {
		Records []storage.SessionRecord `json:"records"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if len(resp.Records) != 1 || resp.Records[0].Outcome != "completed" {
		t.Errorf("records = %+v", resp.Records)
	}

	if w := do(router, "GET", "/api/v1/sessions/ghost/history", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown history status = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = do(router, "GET", "/api/v1/history?limit=10", "")
	if w.Code != http.StatusOK {
		t.Errorf("list history status = %d, want %d", w.Code, http.StatusOK)
	}
	if w := do(router, "GET", "/api/v1/history?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestSessionsHandlerHistoryDisabled(t *testing.T) {
	_, router := setupSessionsTest(t, nil)

	for _, path := range []string{"/api/v1/history", "/api/v1/sessions/s1/history"} {
		if w := do(router, "GET", path, ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want %d", path, w.Code, http.StatusServiceUnavailable)
		}
	}
}
