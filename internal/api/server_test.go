package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/domain"
	"jobsched/internal/handlers"
	httpaction "jobsched/internal/handlers/http"
	"jobsched/internal/scheduler"
	"jobsched/internal/store"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

const testToken = "s3cret"

func newTestServer(t *testing.T, loc *time.Location) (*httptest.Server, *sql.DB) {
	t.Helper()
	return newTestServerWithToken(t, loc, testToken)
}

func newTestServerWithToken(t *testing.T, loc *time.Location, token string) (*httptest.Server, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(ctx, db))

	reg := handlers.NewRegistry()
	reg.Register(domain.KindHTTP, httpaction.New(httpaction.Config{}))
	opts := scheduler.DefaultOptions()
	opts.Location = loc
	// The loop is not started: these tests only exercise the API surface.
	svc := scheduler.NewService(store.NewSQLiteRepo(db), reg, opts)

	srv := httptest.NewServer(NewServer(svc, token))
	t.Cleanup(srv.Close)
	return srv, db
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("x-token", testToken)
	req.Header.Set("content-type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

const pingJob = `{"job": {
	"name": "ping",
	"category": "health",
	"run_at": "2099-01-01T10:00:00Z",
	"action": {"http": {"url": "http://example.invalid/200", "method": "GET"}},
	"on_success": {"http": {"url": "http://example.invalid/notify", "method": "POST", "body": "{\"ok\":true}"}}
}}`

func TestHealth(t *testing.T) {
	srv, db := newTestServer(t, time.UTC)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, db.Close())
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestTokenRequired(t *testing.T) {
	srv, _ := newTestServer(t, time.UTC)

	resp, err := http.Get(srv.URL + "/jobs/number")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var out errorResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "client", out.ErrorType)
}

func TestEmptyTokenDeniesAll(t *testing.T) {
	srv, _ := newTestServerWithToken(t, time.UTC, "")

	for _, sent := range []string{"", "anything"} {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/jobs/number", nil)
		require.NoError(t, err)
		req.Header.Set("x-token", sent)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "token %q", sent)
	}

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJobLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, time.UTC)

	code, out := do(t, srv, http.MethodPost, "/jobs/create", pingJob)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "success", out["status"])
	id, _ := out["job_uuid"].(string)
	require.NotEmpty(t, id)

	code, out = do(t, srv, http.MethodGet, "/jobs/number", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["num_jobs"])

	code, out = do(t, srv, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out["jobs"], 1)

	code, out = do(t, srv, http.MethodGet, "/jobs/"+id, "")
	require.Equal(t, http.StatusOK, code)
	job := out["job"].(map[string]any)
	assert.Equal(t, "ping", job["name"])
	assert.Equal(t, "scheduled", job["status"])
	assert.Equal(t, "2099-01-01T10:00:00Z", job["run_at"])
	assert.Contains(t, job["on_success"], "http")

	code, out = do(t, srv, http.MethodGet, "/jobs/"+id+"/executions", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, out["executions"])

	code, out = do(t, srv, http.MethodDelete, "/jobs/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, out["job_uuid"])

	code, out = do(t, srv, http.MethodDelete, "/jobs/"+id, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "client", out["error_type"])

	code, out = do(t, srv, http.MethodGet, "/jobs/number", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, out["num_jobs"])
}

func TestGetUnknownJob(t *testing.T) {
	srv, _ := newTestServer(t, time.UTC)
	code, out := do(t, srv, http.MethodGet, "/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "client", out["error_type"])

	code, _ = do(t, srv, http.MethodGet, "/jobs/nope/executions", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRemoveAllJobs(t *testing.T) {
	srv, _ := newTestServer(t, time.UTC)
	for i := 0; i < 2; i++ {
		code, _ := do(t, srv, http.MethodPost, "/jobs/create", pingJob)
		require.Equal(t, http.StatusOK, code)
	}
	code, out := do(t, srv, http.MethodDelete, "/jobs", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, out["num_jobs"])

	code, out = do(t, srv, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, out["jobs"])
}

func TestCreateRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t, time.UTC)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"job": `},
		{"missing job", `{}`},
		{"missing action", `{"job": {"name": "x", "run_at": "2099-01-01T10:00:00Z"}}`},
		{"missing run_at", `{"job": {"name": "x", "action": {"http": {"url": "http://a"}}}}`},
		{"garbage run_at", `{"job": {"name": "x", "run_at": "tomorrow", "action": {"http": {"url": "http://a"}}}}`},
		{"unsupported kind", `{"job": {"name": "x", "run_at": "2099-01-01T10:00:00Z", "action": {"shell": {"command": "ls"}}}}`},
		{"two kinds", `{"job": {"name": "x", "run_at": "2099-01-01T10:00:00Z", "action": {"http": {"url": "http://a"}, "shell": {}}}}`},
		{"bad url", `{"job": {"name": "x", "run_at": "2099-01-01T10:00:00Z", "action": {"http": {"url": "ftp://a"}}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := do(t, srv, http.MethodPost, "/jobs/create", tt.body)
			assert.Equal(t, http.StatusBadRequest, code, out)
			assert.Equal(t, "client", out["error_type"])
			assert.NotEmpty(t, out["error_message"])
		})
	}

	code, out := do(t, srv, http.MethodGet, "/jobs/number", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, out["num_jobs"])
}

func TestNaiveRunAtUsesSchedulerTimezone(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	srv, _ := newTestServer(t, berlin)

	body := `{"job": {"name": "x", "run_at": "2099-01-01T10:00:00", "action": {"http": {"url": "http://a.example"}}}}`
	code, out := do(t, srv, http.MethodPost, "/jobs/create", body)
	require.Equal(t, http.StatusOK, code, out)

	code, out = do(t, srv, http.MethodGet, "/jobs/"+out["job_uuid"].(string), "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2099-01-01T10:00:00+01:00", out["job"].(map[string]any)["run_at"])
}

func TestStoreFailureIsServerError(t *testing.T) {
	srv, db := newTestServer(t, time.UTC)
	require.NoError(t, db.Close())

	code, out := do(t, srv, http.MethodGet, "/jobs", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "server", out["error_type"])
}
