package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/events"
	"github.com/gg-salo/fleet-commander/internal/events/bus"
	"github.com/gg-salo/fleet-commander/internal/lifecycle"
	"github.com/gg-salo/fleet-commander/internal/outcome"
	"github.com/gg-salo/fleet-commander/internal/plan"
	"github.com/gg-salo/fleet-commander/internal/plugin"
	"github.com/gg-salo/fleet-commander/internal/reconcile"
	"github.com/gg-salo/fleet-commander/internal/session"
	"github.com/gg-salo/fleet-commander/internal/store"
)

type stubRuntime struct {
	mu   sync.Mutex
	sent []string
}

func (r *stubRuntime) Name() string { return "stub" }

func (r *stubRuntime) Create(_ context.Context, spec plugin.RuntimeSpec) (plugin.Handle, error) {
	return plugin.Handle{ID: spec.Key, RuntimeName: "stub", Data: map[string]string{"pid": "1"}}, nil
}

func (r *stubRuntime) Destroy(context.Context, plugin.Handle) error { return nil }

func (r *stubRuntime) Send(_ context.Context, _ plugin.Handle, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *stubRuntime) Output(context.Context, plugin.Handle, int) (string, error) { return "", nil }

func (r *stubRuntime) IsAlive(context.Context, plugin.Handle) bool { return true }

func (r *stubRuntime) sentMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

type stubAgent struct{}

func (stubAgent) Name() string { return "stub-agent" }

func (stubAgent) Command(prompt string) []string {
	if prompt == "" {
		return []string{"agent", "--continue"}
	}
	return []string{"agent", prompt}
}

func (stubAgent) DetectActivity(string) plugin.Activity { return plugin.ActivityActive }

func (stubAgent) IsProcessRunning(context.Context, plugin.Handle) (bool, error) { return true, nil }

type stubWorkspace struct {
	base string
}

func (w *stubWorkspace) Name() string { return "stub-ws" }

func (w *stubWorkspace) Create(_ context.Context, _ plugin.ProjectRef, sessionID, _ string) (string, error) {
	path := filepath.Join(w.base, sessionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func (w *stubWorkspace) Destroy(_ context.Context, _ plugin.ProjectRef, path string) error {
	return os.RemoveAll(path)
}

type noopSink struct{}

func (noopSink) Dispatch(context.Context, plugin.Notification) {}

type apiEnv struct {
	server  *Server
	bus     *bus.MemoryEventBus
	runtime *stubRuntime
	stores  *store.Provider
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		ConfigPath: filepath.Join(dir, "fleet.yaml"),
		DataDir:    filepath.Join(dir, "data"),
		Server: config.ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    0,
		},
		Lifecycle: config.LifecycleConfig{
			PollInterval:        30,
			MaxConcurrentChecks: 8,
			ProbeTimeout:        4,
			CommandTimeout:      30,
			MaxEvents:           500,
			DedupScanLines:      30,
		},
		Defaults: config.DefaultsConfig{
			Runtime:   "stub",
			Agent:     "stub-agent",
			Workspace: "stub-ws",
		},
		Projects: map[string]config.ProjectConfig{
			"api": {
				Name:          "billing-api",
				Repo:          "acme/billing-api",
				Path:          dir,
				DefaultBranch: "main",
				SessionPrefix: "api",
			},
		},
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	stores := store.NewProvider(store.NewPaths(cfg.DataDir, cfg.ConfigPath), cfg.Lifecycle.MaxEvents, log)

	runtime := &stubRuntime{}
	registry := plugin.NewRegistry(log)
	require.NoError(t, registry.Register(plugin.SlotRuntime, "stub", runtime))
	require.NoError(t, registry.Register(plugin.SlotAgent, "stub-agent", stubAgent{}))
	require.NoError(t, registry.Register(plugin.SlotWorkspace, "stub-ws", &stubWorkspace{base: filepath.Join(dir, "worktrees")}))

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	sessions := session.NewManager(cfg, stores, registry, eventBus, log)
	outcomes := outcome.NewService(stores, eventBus, log)
	sessions.SetOutcomeRecorder(outcomes)
	plans := plan.NewService(cfg, stores, sessions, registry, eventBus, log)
	plans.SetLessonSource(outcomes)
	reconciler := reconcile.NewService(cfg, stores, sessions, plans, eventBus, log)
	engine := lifecycle.NewEngine(cfg, stores, sessions, plans, outcomes,
		reconciler, registry, eventBus, noopSink{}, log)

	srv := NewServer(cfg.Server, stores, sessions, plans, engine, outcomes, reconciler, eventBus, log)
	return &apiEnv{server: srv, bus: eventBus, runtime: runtime, stores: stores}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (e *apiEnv) spawn(t *testing.T, objective string) session.Session {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/projects/api/sessions",
		map[string]string{"objective": objective})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[session.Session](t, w)
}

func TestHealth(t *testing.T) {
	e := newAPIEnv(t)
	w := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[healthResponse](t, w)
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.Timestamp)
}

func TestSpawnAndGetSession(t *testing.T) {
	e := newAPIEnv(t)

	sess := e.spawn(t, "fix rounding in invoice totals")
	assert.Equal(t, "api", sess.Project)
	assert.Equal(t, session.StatusSpawning, sess.Status)
	assert.NotEmpty(t, sess.Branch)

	w := e.do(t, http.MethodGet, "/api/v1/projects/api/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[session.Session](t, w)
	assert.Equal(t, sess.ID, got.ID)

	w = e.do(t, http.MethodGet, "/api/v1/projects/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[map[string][]session.Session](t, w)
	require.Len(t, list["sessions"], 1)

	w = e.do(t, http.MethodGet, "/api/v1/projects/api/sessions/ghost-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/projects/api/sessions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/projects/nope/sessions",
		map[string]string{"objective": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendAndKillSession(t *testing.T) {
	e := newAPIEnv(t)
	sess := e.spawn(t, "add rate limiting")

	w := e.do(t, http.MethodPost, "/api/v1/projects/api/sessions/"+sess.ID+"/send",
		map[string]string{"message": "focus on the middleware"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	msgs := e.runtime.sentMessages()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1], "focus on the middleware")

	w = e.do(t, http.MethodPost, "/api/v1/projects/api/sessions/"+sess.ID+"/send",
		map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/projects/api/sessions/"+sess.ID+"/kill",
		map[string]string{"reason": "superseded"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Killed sessions are archived and disappear from the active surface.
	w = e.do(t, http.MethodGet, "/api/v1/projects/api/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/projects/api/sessions/"+sess.ID+"/send",
		map[string]string{"message": "too late"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOverrideStatusEndpoint(t *testing.T) {
	e := newAPIEnv(t)
	sess := e.spawn(t, "migrate config loader")

	w := e.do(t, http.MethodPost, "/api/v1/projects/api/sessions/"+sess.ID+"/status",
		map[string]string{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/projects/api/sessions/"+sess.ID+"/status",
		map[string]string{"status": "stuck"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodGet, "/api/v1/projects/api/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[session.Session](t, w)
	assert.Equal(t, session.StatusStuck, got.Status)
}

func TestQueryEvents(t *testing.T) {
	e := newAPIEnv(t)
	sess := e.spawn(t, "tighten retry budget")

	w := e.do(t, http.MethodGet,
		"/api/v1/projects/api/events?types="+events.SessionSpawned+"&session="+sess.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string][]store.Event](t, w)
	require.Len(t, body["events"], 1)
	assert.Equal(t, events.SessionSpawned, body["events"][0].Type)

	w = e.do(t, http.MethodGet, "/api/v1/projects/api/events?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/projects/api/events?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOutcomesLessonsSummary(t *testing.T) {
	e := newAPIEnv(t)
	sess := e.spawn(t, "throwaway")

	w := e.do(t, http.MethodPost, "/api/v1/projects/api/sessions/"+sess.ID+"/kill", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/projects/api/outcomes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	outs := decodeBody[map[string][]store.Outcome](t, w)
	require.Len(t, outs["outcomes"], 1)
	assert.Equal(t, sess.ID, outs["outcomes"][0].SessionID)

	w = e.do(t, http.MethodGet, "/api/v1/projects/api/lessons", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lessons")

	w = e.do(t, http.MethodGet, "/api/v1/projects/api/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "summary")
}

func TestPlanEndpoints(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/projects/api/plans", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/projects/api/plans",
		map[string]string{"objective": "split billing into microservices"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[plan.Plan](t, w)
	assert.Equal(t, plan.StatusPlanning, created.Status)
	assert.NotEmpty(t, created.PlanningSessionID)

	w = e.do(t, http.MethodGet, "/api/v1/projects/api/plans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[map[string][]plan.Plan](t, w)
	require.Len(t, list["plans"], 1)

	w = e.do(t, http.MethodGet, "/api/v1/projects/api/plans/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/projects/api/plans/plan-missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProjectsEndpoint(t *testing.T) {
	e := newAPIEnv(t)
	w := e.do(t, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string][]string](t, w)
	assert.Equal(t, []string{"api"}, body["projects"])
}

func TestEventStream(t *testing.T) {
	e := newAPIEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.server.hub.Run(ctx)
	_, err := e.server.hub.BindBus(e.bus)
	require.NoError(t, err)

	ts := httptest.NewServer(e.server.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Registration races the first publish, so publish until a frame
	// arrives.
	record := store.NewEvent(events.SessionSpawned, "api-1", "api", "session api-1 spawned", nil)
	var frame []byte
	for attempt := 0; attempt < 20; attempt++ {
		ev := bus.NewEvent(events.SessionSpawned, "test", map[string]any{"event": record})
		require.NoError(t, e.bus.Publish(context.Background(),
			events.BuildEventSubject(events.SessionSpawned, "api-1"), ev))

		conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		_, data, rerr := conn.ReadMessage()
		if rerr == nil {
			frame = data
			break
		}
	}
	require.NotEmpty(t, frame, "no event frame received")

	// Batched frames are newline-separated; the first line is a full event.
	first := bytes.SplitN(frame, []byte{'\n'}, 2)[0]
	var got bus.Event
	require.NoError(t, json.Unmarshal(first, &got))
	assert.Equal(t, events.SessionSpawned, got.Type)
}

func TestEventProject(t *testing.T) {
	rec := store.NewEvent(events.CIFailing, "api-3", "api", "ci failing", nil)

	assert.Equal(t, "api",
		eventProject(bus.NewEvent(events.CIFailing, "test", map[string]any{"event": rec})))
	assert.Equal(t, "api",
		eventProject(bus.NewEvent(events.CIFailing, "test", map[string]any{"event": &rec})))
	assert.Equal(t, "api",
		eventProject(bus.NewEvent(events.CIFailing, "test", map[string]any{
			"event": map[string]any{"projectId": "api"},
		})))
	assert.Equal(t, "", eventProject(bus.NewEvent(events.CIFailing, "test", nil)))
	assert.Equal(t, "", eventProject(nil))
}
