package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/config"
)

func TestNew(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("disabled yields noop", func(t *testing.T) {
		r, err := New(config.ReportConfig{Enabled: false}, logger)
		require.NoError(t, err)
		assert.IsType(t, NoopReporter{}, r)
	})

	t.Run("empty provider yields noop", func(t *testing.T) {
		r, err := New(config.ReportConfig{Enabled: true}, logger)
		require.NoError(t, err)
		assert.IsType(t, NoopReporter{}, r)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := New(config.ReportConfig{Enabled: true, Provider: "jira"}, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown report provider")
	})

	t.Run("github requires token", func(t *testing.T) {
		_, err := New(config.ReportConfig{
			Enabled:  true,
			Provider: "github",
			Owner:    "acme",
			Repo:     "widgets",
			Issue:    7,
		}, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "token")
	})

	t.Run("github requires target", func(t *testing.T) {
		_, err := New(config.ReportConfig{
			Enabled:  true,
			Provider: "github",
			Token:    config.Secret("tok"),
		}, logger)
		require.Error(t, err)
	})

	t.Run("github configured", func(t *testing.T) {
		r, err := New(config.ReportConfig{
			Enabled:  true,
			Provider: "github",
			Owner:    "acme",
			Repo:     "widgets",
			Issue:    7,
			Token:    config.Secret("tok"),
		}, logger)
		require.NoError(t, err)
		assert.IsType(t, &githubReporter{}, r)
	})
}

// fakeGitHub collects comment bodies posted to the issue comments endpoint.
type fakeGitHub struct {
	srv    *httptest.Server
	bodies []string
	status int
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{status: http.StatusCreated}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var comment github.IssueComment
		require.NoError(t, json.NewDecoder(r.Body).Decode(&comment))
		f.bodies = append(f.bodies, comment.GetBody())
		w.WriteHeader(f.status)
		_ = json.NewEncoder(w).Encode(&github.IssueComment{Body: comment.Body})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitHub) reporter(t *testing.T) *githubReporter {
	t.Helper()
	client := github.NewClient(nil)
	base, err := url.Parse(f.srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base

	return &githubReporter{
		client:  client,
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  zaptest.NewLogger(t),
		owner:   "acme",
		repo:    "widgets",
		issue:   7,
	}
}

func TestGitHubReporter_PostsMilestones(t *testing.T) {
	fake := newFakeGitHub(t)
	r := fake.reporter(t)
	ctx := context.Background()

	r.WorkflowStarted(ctx, WorkflowEvent{
		Namespace: "adw-1",
		Task:      "add pagination",
		Workflow:  "scout-plan-build",
	})
	r.PhaseCompleted(ctx, PhaseEvent{
		Namespace: "adw-1",
		Phase:     "scout",
		Status:    "completed",
		Attempts:  1,
		Duration:  1500 * time.Millisecond,
	})
	r.WorkflowCompleted(ctx, WorkflowOutcome{
		Namespace: "adw-1",
		Status:    "completed",
		Duration:  3 * time.Second,
		Phases: []PhaseEvent{
			{Phase: "scout", Status: "completed", Attempts: 1},
			{Phase: "plan", Status: "recovered", Attempts: 2},
		},
	})

	require.Len(t, fake.bodies, 3)
	assert.Contains(t, fake.bodies[0], "scout-plan-build")
	assert.Contains(t, fake.bodies[0], "add pagination")
	assert.Contains(t, fake.bodies[1], "`scout`")
	assert.Contains(t, fake.bodies[1], "`completed`")
	assert.Contains(t, fake.bodies[2], "| plan | recovered | 2 |")
}

func TestGitHubReporter_SwallowsAPIFailures(t *testing.T) {
	fake := newFakeGitHub(t)
	fake.status = http.StatusForbidden
	r := fake.reporter(t)

	// Must not panic or surface the error.
	r.PhaseCompleted(context.Background(), PhaseEvent{Phase: "scout", Status: "failed"})
	assert.Len(t, fake.bodies, 1)
}

func TestGitHubReporter_SwallowsCancelledContext(t *testing.T) {
	fake := newFakeGitHub(t)
	r := fake.reporter(t)
	r.limiter = rate.NewLimiter(rate.Limit(0.0001), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	r.PhaseCompleted(ctx, PhaseEvent{Phase: "scout", Status: "completed"})
	assert.Empty(t, fake.bodies)
}
