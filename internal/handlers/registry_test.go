package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/domain"
)

func TestResolve(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(domain.KindHTTP, ExecutorFunc(func(ctx context.Context, jc domain.JobContext, a domain.Action) Outcome {
		called = true
		return Succeeded(200, "ok")
	}))

	e, err := r.Resolve(domain.Action{HTTP: &domain.HTTPAction{URL: "http://x"}})
	require.NoError(t, err)
	out := e.Execute(context.Background(), domain.JobContext{JobID: "1"}, domain.Action{})
	assert.True(t, called)
	assert.True(t, out.Success)
	assert.Equal(t, "success (status=200) ok", out.String())

	_, err = r.Resolve(domain.Action{Unrecognized: "smtp"})
	assert.True(t, errors.Is(err, domain.ErrUnsupportedAction))

	_, err = r.Resolve(domain.Action{})
	assert.True(t, errors.Is(err, domain.ErrUnsupportedAction))

	_, err = r.Resolve(domain.UndecodableAction(domain.KindHTTP, errors.New("bad params")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidJob))
	assert.False(t, called)
}

func TestCheck(t *testing.T) {
	r := NewRegistry()
	r.Register(domain.KindHTTP, ExecutorFunc(func(context.Context, domain.JobContext, domain.Action) Outcome {
		return Outcome{}
	}))
	assert.Equal(t, []string{"http"}, r.Kinds())

	job := domain.Job{
		Name:   "ping",
		RunAt:  time.Now(),
		Action: domain.Action{HTTP: &domain.HTTPAction{URL: "http://x/200"}},
	}
	require.NoError(t, r.Check(job))

	job.OnSuccess = &domain.Action{Unrecognized: "pubsub"}
	err := r.Check(job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedAction))
	assert.True(t, domain.IsClientError(err))
	assert.Contains(t, errors.FlattenHints(err), "http")

	job.OnSuccess = nil
	job.Name = ""
	assert.True(t, errors.Is(r.Check(job), domain.ErrInvalidJob))
}

func TestFailedOutcome(t *testing.T) {
	out := Failed(404, "HTTP 404: nope")
	assert.False(t, out.Success)
	assert.Equal(t, 404, out.StatusCode)
	assert.Equal(t, "failure connection refused", Failedf("connection %s", "refused").String())
}
