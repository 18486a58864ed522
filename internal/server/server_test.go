package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deckhand/internal/agent"
	"deckhand/internal/agent/script"
	"deckhand/internal/config"
	"deckhand/internal/coordinator"
	"deckhand/internal/policy"
	"deckhand/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Version: config.CurrentVersion,
		Gateway: config.GatewayConfig{Host: "127.0.0.1"},
		Storage: config.StorageConfig{Driver: "sqlite", Path: filepath.Join(dir, "ledger.db")},
		Policy:  config.PolicyConfig{DefaultMode: "manual"},
		Runtime: config.RuntimeConfig{Kind: RuntimeScript, ScriptDir: filepath.Join(dir, "scripts")},
		Reaper:  config.ReaperConfig{Enabled: true, Schedule: "@every 1m", LedgerRetention: time.Hour},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	opts.Listener = ln

	s, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("server did not stop")
		}
	})

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/v1/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	return s, base
}

func postJSON(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Policy.DefaultMode = "sometimes"
	_, err = New(Options{Config: cfg})
	assert.ErrorIs(t, err, policy.ErrUnknownMode)

	cfg = testConfig(t)
	cfg.Runtime.Kind = "carrier-pigeon"
	_, err = New(Options{Config: cfg})
	assert.Error(t, err)
}

func TestNewRuntime(t *testing.T) {
	rt, scripts, err := NewRuntime(config.RuntimeConfig{Kind: RuntimeScript, ScriptDir: t.TempDir()})
	require.NoError(t, err)
	assert.NotNil(t, rt)
	assert.Contains(t, scripts.Names(), "demo")

	rt, scripts, err = NewRuntime(config.RuntimeConfig{Kind: RuntimeHTTP, Endpoint: "http://127.0.0.1:9090"})
	require.NoError(t, err)
	assert.NotNil(t, rt)
	assert.Nil(t, scripts)

	_, _, err = NewRuntime(config.RuntimeConfig{Kind: RuntimeHTTP, Endpoint: "ftp://nope"})
	assert.Error(t, err)
}

func TestServer_RunsSessionAndRecordsLedger(t *testing.T) {
	cfg := testConfig(t)
	s, base := startServer(t, Options{Config: cfg})

	code := postJSON(t, base+"/api/v1/sessions",
		`{"session_id":"s1","permission_mode":"autoApproveAll","context":[{"key":"workspace","value":"/repo"}]}`)
	require.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, func() bool {
		_, live := s.Coordinator().Snapshot("s1")
		return !live
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(base + "/api/v1/sessions/s1/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Records []storage.SessionRecord `json:"records"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Records, 1)
	rec := body.Records[0]
	assert.Equal(t, "completed", rec.Outcome)
	assert.Equal(t, "autoApproveAll", rec.Mode)
	require.Len(t, rec.Approvals, 2)
	assert.Equal(t, coordinator.SourcePolicy, rec.Approvals[0].Source)
	assert.Equal(t, "edit_file", rec.Approvals[0].ToolName)
}

func TestServer_ShutdownCancelsLiveSessions(t *testing.T) {
	cfg := testConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s, err := New(Options{Config: cfg, Listener: ln})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.NoError(t, s.Coordinator().Start("s1", nil, ""))
	require.Eventually(t, func() bool {
		st, ok := s.Coordinator().Snapshot("s1")
		return ok && st.Suspended
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)

	db, err := storage.Open(cfg.Storage.Path)
	require.NoError(t, err)
	defer db.Close()
	history, err := db.SessionHistory(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "cancelled", history[0].Outcome)
}

func TestServer_WithoutLedger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "none"
	cfg.Reaper.Enabled = false
	_, base := startServer(t, Options{Config: cfg})

	resp, err := http.Get(base + "/api/v1/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_ReloadsScripts(t *testing.T) {
	cfg := testConfig(t)
	s, base := startServer(t, Options{Config: cfg})

	custom := `name: quick
start:
  - content: "hello"
`
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Runtime.ScriptDir, "quick.yaml"), []byte(custom), 0644))

	require.Eventually(t, func() bool {
		_, ok := s.scripts.Script("quick")
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	code := postJSON(t, base+"/api/v1/sessions",
		`{"session_id":"q1","context":[{"key":"script","value":"quick"}]}`)
	assert.Equal(t, http.StatusAccepted, code)
}

func TestServer_ReloadsPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.SaveTo(cfg, cfgPath))
	t.Cleanup(config.Reset)

	s, _ := startServer(t, Options{Config: cfg, ConfigPath: cfgPath})
	assert.Equal(t, policy.RequireHuman, s.Coordinator().Engine().Decide(policy.ModeManual, "rm_rf"))

	cfg.Policy.BlockedTools = []string{"rm_rf"}
	require.NoError(t, config.SaveTo(cfg, cfgPath))

	require.Eventually(t, func() bool {
		return s.Coordinator().Engine().Decide(policy.ModeManual, "rm_rf") == policy.AutoDecline
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRecorder(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer db.Close()

	rt := script.NewWithScripts(script.Options{}, script.MustBuiltin())
	sink := coordinator.SinkFunc(func(string, coordinator.Event) {})
	coord, err := coordinator.New(coordinator.Options{Runtime: rt, Sink: sink, Recorder: NewRecorder(db)})
	require.NoError(t, err)

	require.NoError(t, coord.Start("s1", agent.NewContext("workspace", "/repo"), policy.ModeManual))
	require.Eventually(t, func() bool {
		st, ok := coord.Snapshot("s1")
		return ok && st.Suspended
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, coord.Resume("s1", false, nil))
	coord.Wait()

	history, err := db.SessionHistory(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "completed", history[0].Outcome)
	assert.JSONEq(t, `[{"key":"workspace","value":"/repo"}]`, string(history[0].Context))
	require.Len(t, history[0].Approvals, 1)
	a := history[0].Approvals[0]
	assert.Equal(t, "edit-1", a.ApprovalID)
	assert.False(t, a.Approved)
	assert.Equal(t, coordinator.SourceUser, a.Source)
}
