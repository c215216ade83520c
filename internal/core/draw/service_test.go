package draw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biliwatch/internal/credential"
	"biliwatch/internal/platform/bili"
)

func writeCookie(t *testing.T) *credential.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cookie.txt")
	content := "SESSDATA=abc123; bili_jct=csrf456; DedeUserID=789\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return credential.NewStore(path)
}

func newTestService(t *testing.T, handler http.Handler) (*Service, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	api := bili.New(bili.Options{
		APIBaseURL: srv.URL,
		WWWBaseURL: srv.URL,
		Cred:       writeCookie(t),
	})
	return New(api, 2*time.Second), srv
}

func jsonEnvelope(w http.ResponseWriter, code int, message string, data any) {
	resp := map[string]any{"code": code, "message": message}
	if data != nil {
		resp["data"] = data
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func TestDrawSingleFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	doCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/blackboard/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<script>gaia_vtoken: 'tok1'</script>`))
	})
	mux.HandleFunc("/x/lottery/x/do", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		doCalls++
		mu.Unlock()
		close(entered)
		<-release
		jsonEnvelope(w, 0, "ok", nil)
	})

	svc, _ := newTestService(t, mux)

	results := make(chan Outcome, 1)
	go func() { results <- svc.Draw(context.Background(), "sid1", 3) }()
	<-entered

	// Second caller arrives while the first is still on the wire.
	rejected := svc.Draw(context.Background(), "sid1", 3)
	assert.Equal(t, OutcomeTooFrequent, rejected.Kind)

	close(release)
	first := <-results
	assert.Equal(t, OutcomeSuccess, first.Kind)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, doCalls)
}

func TestDrawMinIntervalWait(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/blackboard/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html></html>`))
	})
	mux.HandleFunc("/x/lottery/x/do", func(w http.ResponseWriter, r *http.Request) {
		jsonEnvelope(w, 0, "ok", nil)
	})

	svc, _ := newTestService(t, mux)
	base := time.Now()
	svc.now = func() time.Time { return base }
	svc.lastDone = base.Add(-500 * time.Millisecond)

	var slept []time.Duration
	svc.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }

	out := svc.Draw(context.Background(), "sid1", 1)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	require.Len(t, slept, 1)
	assert.Equal(t, 1500*time.Millisecond, slept[0])
}

func TestDrawNoWaitAfterInterval(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/blackboard/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html></html>`))
	})
	mux.HandleFunc("/x/lottery/x/do", func(w http.ResponseWriter, r *http.Request) {
		jsonEnvelope(w, 0, "ok", nil)
	})

	svc, _ := newTestService(t, mux)
	base := time.Now()
	svc.now = func() time.Time { return base }
	svc.lastDone = base.Add(-5 * time.Second)

	svc.sleep = func(_ context.Context, d time.Duration) {
		t.Errorf("unexpected sleep of %v", d)
	}
	out := svc.Draw(context.Background(), "sid1", 1)
	assert.Equal(t, OutcomeSuccess, out.Kind)
}

func TestDrawReleasesFlightOnFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})

	svc, _ := newTestService(t, mux)
	svc.sleep = func(context.Context, time.Duration) {}

	out := svc.Draw(context.Background(), "sid1", 1)
	assert.Equal(t, OutcomeFailure, out.Kind)

	// The flag must not stay wedged after a failed call.
	out = svc.Draw(context.Background(), "sid1", 1)
	assert.Equal(t, OutcomeFailure, out.Kind)
}

func TestDrawSendsVTokenAndForm(t *testing.T) {
	var form map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/blackboard/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<script>{"gaia_vtoken":"vt99"}</script>`))
	})
	mux.HandleFunc("/x/lottery/x/do", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		form = map[string]string{
			"sid":         r.PostForm.Get("sid"),
			"num":         r.PostForm.Get("num"),
			"csrf":        r.PostForm.Get("csrf"),
			"gaia_vtoken": r.PostForm.Get("gaia_vtoken"),
		}
		jsonEnvelope(w, 0, "ok", nil)
	})

	svc, _ := newTestService(t, mux)
	out := svc.Draw(context.Background(), "sid42", 5)
	require.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "sid42", form["sid"])
	assert.Equal(t, "5", form["num"])
	assert.Equal(t, "csrf456", form["csrf"])
	assert.Equal(t, "vt99", form["gaia_vtoken"])
}

func TestClassifyDraw(t *testing.T) {
	cases := []struct {
		name    string
		code    int
		message string
		want    OutcomeKind
	}{
		{"success", 0, "0", OutcomeSuccess},
		{"insufficient", 170415, "token not enough", OutcomeInsufficient},
		{"ended", 170003, "activity over", OutcomeEnded},
		{"platform rejection", -400, "Key: 'Type' missing", OutcomePlatformError},
		{"bad request without marker", -400, "request error", OutcomeFailure},
		{"unknown code", 170001, "something else", OutcomeFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := classifyDraw(&bili.Envelope{Code: tc.code, Message: tc.message}, 1)
			assert.Equal(t, tc.want, out.Kind)
			assert.NotEmpty(t, out.Raw)
		})
	}
}

func TestAllowance(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/x/lottery/x/mytimes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "csrf456", r.URL.Query().Get("csrf"))
		assert.Equal(t, "sid7", r.URL.Query().Get("sid"))
		jsonEnvelope(w, 0, "ok", map[string]any{"times": 3, "points": 120})
	})

	svc, _ := newTestService(t, mux)
	times, info, err := svc.Allowance(context.Background(), "sid7")
	require.NoError(t, err)
	assert.Equal(t, 3, times)
	require.NotNil(t, info)
	assert.Equal(t, 120, info.Points)
}

func TestAllowanceErrorCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/x/lottery/x/mytimes", func(w http.ResponseWriter, r *http.Request) {
		jsonEnvelope(w, -101, "not logged in", nil)
	})

	svc, _ := newTestService(t, mux)
	_, _, err := svc.Allowance(context.Background(), "sid7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not logged in")
}

func TestClaimPoints(t *testing.T) {
	var form map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/x/activity/task/send_points", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		form = map[string]string{
			"activity":  r.PostForm.Get("activity"),
			"business":  r.PostForm.Get("business"),
			"csrf":      r.PostForm.Get("csrf"),
			"timestamp": r.PostForm.Get("timestamp"),
		}
		jsonEnvelope(w, 0, "ok", nil)
	})

	svc, _ := newTestService(t, mux)
	out := svc.ClaimPoints(context.Background(), "T100", "share_count")
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "T100", form["activity"])
	assert.Equal(t, "share_count", form["business"])
	assert.Equal(t, "csrf456", form["csrf"])
	assert.NotEmpty(t, form["timestamp"])
}
