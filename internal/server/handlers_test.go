package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biliwatch/internal/core/challenge"
	"biliwatch/internal/core/discover"
	"biliwatch/internal/core/draw"
	"biliwatch/internal/core/monitor"
	"biliwatch/internal/core/task"
	"biliwatch/internal/core/winner"
	"biliwatch/internal/credential"
	"biliwatch/internal/logger"
	"biliwatch/internal/platform/bili"
)

type fixture struct {
	app     *fiber.App
	store   *task.Store
	handler *Handler
}

type stubQueue struct {
	fn func(task.Task) error
}

func (s *stubQueue) Enqueue(t task.Task) error { return s.fn(t) }

func newFixture(t *testing.T, platform http.Handler) *fixture {
	t.Helper()
	srv := httptest.NewServer(platform)
	t.Cleanup(srv.Close)

	cookiePath := filepath.Join(t.TempDir(), "cookie.txt")
	require.NoError(t, os.WriteFile(cookiePath, []byte("bili_jct=csrf1\n"), 0o600))
	api := bili.New(bili.Options{
		APIBaseURL: srv.URL,
		WWWBaseURL: srv.URL,
		Cred:       credential.NewStore(cookiePath),
	})

	store := task.NewStore(nil)
	drawSvc := draw.New(api, 0)
	mon := monitor.New(store, winner.New(api), drawSvc, monitor.Options{
		TaskDelay:   time.Millisecond,
		PassDelay:   time.Millisecond,
		StaleWindow: 5 * time.Minute,
	})
	h := &Handler{
		log:        logger.New("API"),
		store:      store,
		monitor:    mon,
		draw:       drawSvc,
		challenges: challenge.NewResolver(nil),
		discover:   discover.New(bili.UserAgent),
		api:        api,
	}

	app := fiber.New()
	v1 := app.Group("/v1")
	v1.Get("/tasks", h.HandleListTasks)
	v1.Get("/tasks/:id", h.HandleGetTask)
	v1.Delete("/tasks/:id", h.HandleDeleteTask)
	v1.Post("/tasks/:id/retry", h.HandleRetryTask)
	v1.Post("/tasks/:id/draw", h.HandleDraw)
	v1.Post("/tasks/:id/points", h.HandlePoints)
	v1.Post("/monitor/start", h.HandleStartMonitor)
	v1.Post("/monitor/stop", h.HandleStopMonitor)
	v1.Get("/challenges", h.HandleListChallenges)
	v1.Get("/winners", h.HandleWinners)

	return &fixture{app: app, store: store, handler: h}
}

func (f *fixture) request(t *testing.T, method, target string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.app.Test(req, 5000)
	require.NoError(t, err)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func TestTaskEndpoints(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())
	created := f.store.Create("promo", "https://b23.tv/x")

	resp, body := f.request(t, "GET", "/v1/tasks", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Tasks      []task.Task `json:"tasks"`
		Monitoring bool        `json:"monitoring"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Tasks, 1)
	assert.False(t, list.Monitoring)

	resp, body = f.request(t, "GET", "/v1/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got task.Task
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "promo", got.Name)

	resp, _ = f.request(t, "GET", "/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.request(t, "DELETE", "/v1/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, ok := f.store.Get(created.ID)
	assert.False(t, ok)
}

func TestRetryResetsStatusBeforeEnqueue(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())
	created := f.store.Create("promo", "https://b23.tv/x")
	f.store.Update(created.ID, func(t *task.Task) {
		t.Status = task.StatusFailed
		t.Error = "resolve failed"
	})

	f.handler.resolver = &stubQueue{fn: func(got task.Task) error {
		// The queue must see the reset already applied, then a fast
		// worker transition must survive the handler returning.
		assert.Equal(t, task.StatusUnresolved, got.Status)
		f.store.Update(got.ID, func(t *task.Task) {
			t.Status = task.StatusResolving
		})
		return nil
	}}

	resp, _ := f.request(t, "POST", "/v1/tasks/"+created.ID+"/retry", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	cur, _ := f.store.Get(created.ID)
	assert.Equal(t, task.StatusResolving, cur.Status)
}

func TestRetryEnqueueFailureRestoresFailed(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())
	created := f.store.Create("promo", "https://b23.tv/x")
	f.store.Update(created.ID, func(t *task.Task) {
		t.Status = task.StatusFailed
	})

	f.handler.resolver = &stubQueue{fn: func(task.Task) error {
		return assert.AnError
	}}

	resp, _ := f.request(t, "POST", "/v1/tasks/"+created.ID+"/retry", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	cur, _ := f.store.Get(created.ID)
	assert.Equal(t, task.StatusFailed, cur.Status)
	assert.NotEmpty(t, cur.Error)
}

func TestMonitorEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/x/lottery/x/win/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "ok"})
	})
	f := newFixture(t, mux)

	created := f.store.Create("promo", "https://b23.tv/x")
	f.store.Update(created.ID, func(t *task.Task) {
		t.SID = "sid1"
		t.Status = task.StatusReady
	})

	resp, _ := f.request(t, "POST", "/v1/monitor/start", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cur, _ := f.store.Get(created.ID)
	assert.Equal(t, task.StatusMonitoring, cur.Status)

	resp, _ = f.request(t, "POST", "/v1/monitor/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.request(t, "POST", "/v1/monitor/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	cur, _ = f.store.Get(created.ID)
	assert.Equal(t, task.StatusReady, cur.Status)
}

func TestManualDrawEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/blackboard/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html></html>`))
	})
	mux.HandleFunc("/x/lottery/x/do", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "ok"})
	})
	f := newFixture(t, mux)

	created := f.store.Create("promo", "https://b23.tv/x")

	// No resolved promotion id yet.
	resp, _ := f.request(t, "POST", "/v1/tasks/"+created.ID+"/draw", map[string]int{"num": 1})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	f.store.Update(created.ID, func(t *task.Task) { t.SID = "sid1" })
	resp, body := f.request(t, "POST", "/v1/tasks/"+created.ID+"/draw", map[string]int{"num": 2})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out draw.Outcome
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, draw.OutcomeSuccess, out.Kind)

	cur, _ := f.store.Get(created.ID)
	require.NotEmpty(t, cur.History)
	assert.Equal(t, task.ActionSuccess, cur.History[len(cur.History)-1].Kind)
}

func TestManualPointsEndpointRequiresTokens(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())
	created := f.store.Create("promo", "https://b23.tv/x")

	resp, _ := f.request(t, "POST", "/v1/tasks/"+created.ID+"/points", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWinnersEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/x/lottery/x/win/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "message": "ok",
			"data": []map[string]any{{"name": "alice", "ctime": 5, "award_info": map[string]any{"name": "prize"}}},
		})
	})
	f := newFixture(t, mux)

	resp, _ := f.request(t, "GET", "/v1/winners", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.request(t, "GET", "/v1/winners?sid=sid1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		Code    int            `json:"code"`
		Winners []bili.WinItem `json:"winners"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Len(t, payload.Winners, 1)
	assert.Equal(t, "alice", payload.Winners[0].Name)
}

func TestChallengesEmpty(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())
	resp, body := f.request(t, "GET", "/v1/challenges", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		Challenges []challenge.Pending `json:"challenges"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Empty(t, payload.Challenges)
}
