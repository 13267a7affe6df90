package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/swarmd/internal/completion"
	"github.com/fyrsmithlabs/swarmd/internal/config"
	"github.com/fyrsmithlabs/swarmd/internal/model"
	"github.com/fyrsmithlabs/swarmd/internal/store"
	"github.com/fyrsmithlabs/swarmd/internal/swarm"
)

type testHarness struct {
	server  *Server
	service *swarm.Service
	store   store.Store
	nc      *nats.Conn
	emitter *swarm.NATSEmitter
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	st, err := store.New(store.Config{DSN: filepath.Join(t.TempDir(), "swarmd.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mock := completion.NewMockClient()
	mock.Respond("editor persona", "APPROVE")

	emitter := swarm.NewNATSEmitter(nc, nil)
	processor, err := swarm.NewProcessor(swarm.ProcessorConfig{
		Workers:      2,
		RetryBackoff: time.Millisecond,
	}, st, mock, emitter, nil)
	require.NoError(t, err)

	service, err := swarm.NewService(st, processor, emitter, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })

	srv := New(config.ServerConfig{Port: 0}, service, nc, nil)

	return &testHarness{
		server:  srv,
		service: service,
		store:   st,
		nc:      nc,
		emitter: emitter,
	}
}

func submitBody() *bytes.Buffer {
	body, _ := json.Marshal(map[string]any{
		"capsule": map[string]string{
			"org_id":          "org-1",
			"user_id":         "user-1",
			"conversation_id": "conv-1",
		},
		"topic":           "spring launch campaign",
		"writers":         []string{"w1", "w2"},
		"editors":         []string{"e1"},
		"evaluators":      []string{"v1"},
		"max_edit_cycles": 1,
		"finalist_count":  1,
	})
	return bytes.NewBuffer(body)
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "swarmd", resp.Service)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitMalformedBody(t *testing.T) {
	h := newTestHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader("{not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitInvalidConfiguration(t *testing.T) {
	h := newTestHarness(t)

	body, _ := json.Marshal(map[string]any{
		"capsule": map[string]string{"org_id": "org-1", "user_id": "user-1"},
		"topic":   "spring launch campaign",
		// no writers
		"editors":        []string{"e1"},
		"evaluators":     []string{"v1"},
		"finalist_count": 1,
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewBuffer(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "writer")
}

func TestSubmitAndGetState(t *testing.T) {
	h := newTestHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/tasks", submitBody())
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.TaskID)

	require.Eventually(t, func() bool {
		task, err := h.store.GetTask(context.Background(), submitted.TaskID)
		return err == nil && task.Phase.Terminal()
	}, 10*time.Second, 20*time.Millisecond)

	stateReq := httptest.NewRequest(http.MethodGet, "/tasks/"+submitted.TaskID+"/state", nil)
	stateRec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(stateRec, stateReq)

	require.Equal(t, http.StatusOK, stateRec.Code)

	var snapshot model.Snapshot
	require.NoError(t, json.Unmarshal(stateRec.Body.Bytes(), &snapshot))
	assert.Equal(t, model.PhaseCompleted, snapshot.Task.Phase)
	assert.Len(t, snapshot.Outputs, 2)
	assert.NotEmpty(t, snapshot.Evaluations)
}

func TestGetStateUnknownTask(t *testing.T) {
	h := newTestHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/tasks/no-such-task/state", nil)
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelUnknownTask(t *testing.T) {
	h := newTestHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/tasks/no-such-task/cancel", nil)
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsUnknownTask(t *testing.T) {
	h := newTestHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/tasks/no-such-task/events", nil)
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// seedStoredTask persists a task row directly, bypassing the service, so
// the event stream can be driven by hand.
func seedStoredTask(t *testing.T, st store.Store, phase model.Phase) *model.Task {
	t.Helper()
	task := &model.Task{
		ID:            uuid.New().String(),
		UserID:        "user-1",
		OrgID:         "org-1",
		Topic:         "spring launch campaign",
		Writers:       model.StringList{"w1"},
		Editors:       model.StringList{"e1"},
		Evaluators:    model.StringList{"v1"},
		FinalistCount: 1,
		Phase:         phase,
	}
	require.NoError(t, st.CreateTask(context.Background(), task))
	return task
}

func TestEventsTerminalTaskClosesImmediately(t *testing.T) {
	h := newTestHarness(t)
	task := seedStoredTask(t, h.store, model.PhaseCompleted)

	req := httptest.NewRequest(http.MethodGet, "/tasks/"+task.ID+"/events", nil)
	rec := httptest.NewRecorder()
	h.server.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: phase_changed")
}

func TestEventsStreamsUntilTerminal(t *testing.T) {
	h := newTestHarness(t)
	task := seedStoredTask(t, h.store, model.PhasePending)

	ts := httptest.NewServer(h.server.Echo())
	defer ts.Close()

	done := make(chan struct{})
	defer close(done)

	// The handler subscribes at its own pace; keep replaying the burst
	// until the reader has what it needs.
	go func() {
		terminal := &model.Task{ID: task.ID, OrgID: task.OrgID, Phase: model.PhaseCompleted}
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				h.emitter.Emit(context.Background(), swarm.Event{
					TaskID: task.ID,
					OrgID:  task.OrgID,
					Type:   swarm.EventOutputUpdated,
				})
				h.emitter.Emit(context.Background(), swarm.Event{
					TaskID: task.ID,
					OrgID:  task.OrgID,
					Type:   swarm.EventPhaseChanged,
					Task:   terminal,
				})
			}
		}
	}()

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(ts.URL + "/tasks/" + task.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The stream must close itself on the terminal phase_changed.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "event: phase_changed")
	assert.Contains(t, string(body), `"phase":"completed"`)
}
