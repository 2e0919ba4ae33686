package worker

import (
	"context"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/domain"
	"jobsched/internal/handlers"
)

type fakeStore struct {
	mu         sync.Mutex
	completed  []string
	executions []domain.Execution
	recordErr  error
}

func (f *fakeStore) Complete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeStore) RecordExecution(_ context.Context, e domain.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.executions = append(f.executions, e)
	return nil
}

// urlExecutor answers by URL: "ok" succeeds, "fail" fails, "panic" panics.
type urlExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (u *urlExecutor) Execute(_ context.Context, _ domain.JobContext, a domain.Action) handlers.Outcome {
	u.mu.Lock()
	u.calls = append(u.calls, a.HTTP.URL)
	u.mu.Unlock()
	switch a.HTTP.URL {
	case "http://x/ok", "http://x/notify", "http://x/alert":
		return handlers.Succeeded(200, "")
	case "http://x/panic":
		panic("forced follow-up error")
	}
	return handlers.Failed(500, "HTTP 500")
}

func httpAction(url string) *domain.Action {
	return &domain.Action{HTTP: &domain.HTTPAction{URL: url}}
}

func newRunner(t *testing.T) (*Runner, *fakeStore, *urlExecutor) {
	t.Helper()
	store := &fakeStore{}
	exec := &urlExecutor{}
	reg := handlers.NewRegistry()
	reg.Register(domain.KindHTTP, exec)
	return NewRunner(store, reg), store, exec
}

func job(primary string, onSuccess, onFailure *domain.Action) domain.JobRecord {
	return domain.JobRecord{
		ScheduledJob: domain.ScheduledJob{
			ID: "job-1",
			Job: domain.Job{
				Name:      "ping",
				RunAt:     time.Now(),
				Action:    *httpAction(primary),
				OnSuccess: onSuccess,
				OnFailure: onFailure,
			},
		},
		Status: domain.StatusDispatched,
	}
}

func TestSuccessRunsOnSuccessOnly(t *testing.T) {
	r, store, exec := newRunner(t)
	r.Run(context.Background(), job("http://x/ok", httpAction("http://x/notify"), httpAction("http://x/alert")))

	assert.Equal(t, []string{"http://x/ok", "http://x/notify"}, exec.calls)
	assert.Equal(t, []string{"job-1"}, store.completed)
	require.Len(t, store.executions, 2)
	assert.Equal(t, domain.PhasePrimary, store.executions[0].Phase)
	assert.True(t, store.executions[0].Success)
	assert.Equal(t, domain.PhaseOnSuccess, store.executions[1].Phase)
}

func TestFailureRunsOnFailureOnly(t *testing.T) {
	r, store, exec := newRunner(t)
	r.Run(context.Background(), job("http://x/500", httpAction("http://x/notify"), httpAction("http://x/alert")))

	assert.Equal(t, []string{"http://x/500", "http://x/alert"}, exec.calls)
	assert.Equal(t, []string{"job-1"}, store.completed)
	require.Len(t, store.executions, 2)
	assert.False(t, store.executions[0].Success)
	assert.Equal(t, 500, store.executions[0].StatusCode)
	assert.Equal(t, domain.PhaseOnFailure, store.executions[1].Phase)
}

func TestNoFollowUpConfigured(t *testing.T) {
	r, store, exec := newRunner(t)
	r.Run(context.Background(), job("http://x/500", nil, nil))

	assert.Len(t, exec.calls, 1)
	assert.Equal(t, []string{"job-1"}, store.completed)
}

func TestPanickingFollowUpIsContained(t *testing.T) {
	r, store, _ := newRunner(t)
	require.NotPanics(t, func() {
		r.Run(context.Background(), job("http://x/ok", httpAction("http://x/panic"), nil))
	})
	assert.Equal(t, []string{"job-1"}, store.completed)
	require.Len(t, store.executions, 2)
	assert.False(t, store.executions[1].Success)
	assert.Contains(t, store.executions[1].Detail, "forced follow-up error")
}

func TestPanickingPrimaryTriggersOnFailure(t *testing.T) {
	r, store, exec := newRunner(t)
	r.Run(context.Background(), job("http://x/panic", httpAction("http://x/notify"), httpAction("http://x/alert")))

	assert.Equal(t, []string{"http://x/panic", "http://x/alert"}, exec.calls)
	assert.Equal(t, []string{"job-1"}, store.completed)
}

func TestUnsupportedPrimaryIsFailure(t *testing.T) {
	r, store, exec := newRunner(t)
	rec := job("http://x/ok", httpAction("http://x/notify"), httpAction("http://x/alert"))
	rec.Action = domain.Action{Unrecognized: "smtp"}
	r.Run(context.Background(), rec)

	assert.Equal(t, []string{"http://x/alert"}, exec.calls)
	require.NotEmpty(t, store.executions)
	assert.Contains(t, store.executions[0].Detail, "unsupported action")
	assert.Equal(t, []string{"job-1"}, store.completed)
}

func TestRecordFailureDoesNotStopJob(t *testing.T) {
	r, store, exec := newRunner(t)
	store.recordErr = errors.New("disk full")
	r.Run(context.Background(), job("http://x/ok", httpAction("http://x/notify"), nil))

	assert.Len(t, exec.calls, 2)
	assert.Equal(t, []string{"job-1"}, store.completed)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…(1 bytes truncated)", truncate("abc", 2))

	got := truncate("héllo", 2)
	assert.Equal(t, "h…(5 bytes truncated)", got)
	assert.True(t, utf8.ValidString(got))
}
