package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/config"
)

const (
	defaultRatePerSecond = 1.0
	defaultBurst         = 3
)

// githubReporter posts workflow milestones as issue comments. Outbound
// calls go through a rate limiter so a burst of phase completions cannot
// trip the API abuse detector.
type githubReporter struct {
	client  *github.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	owner   string
	repo    string
	issue   int
}

func newGitHubReporter(cfg config.ReportConfig, logger *zap.Logger) (*githubReporter, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("github reporter requires a token")
	}
	if cfg.Owner == "" || cfg.Repo == "" || cfg.Issue <= 0 {
		return nil, fmt.Errorf("github reporter requires owner, repo, and issue")
	}

	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(context.Background(), ts)

	return &githubReporter{
		client:  github.NewClient(tc),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger.Named("report"),
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		issue:   cfg.Issue,
	}, nil
}

func (r *githubReporter) WorkflowStarted(ctx context.Context, event WorkflowEvent) {
	body := fmt.Sprintf("**Workflow `%s` started** in namespace `%s`\n\nTask: %s",
		event.Workflow, event.Namespace, event.Task)
	r.post(ctx, body)
}

func (r *githubReporter) PhaseCompleted(ctx context.Context, event PhaseEvent) {
	body := fmt.Sprintf("Phase `%s` finished with status `%s` (attempts: %d, duration: %s)",
		event.Phase, event.Status, event.Attempts, event.Duration.Round(time.Millisecond))
	r.post(ctx, body)
}

func (r *githubReporter) WorkflowCompleted(ctx context.Context, outcome WorkflowOutcome) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Workflow finished with status `%s`** in namespace `%s` after %s\n\n",
		outcome.Status, outcome.Namespace, outcome.Duration)
	sb.WriteString("| Phase | Status | Attempts |\n|---|---|---|\n")
	for _, p := range outcome.Phases {
		fmt.Fprintf(&sb, "| %s | %s | %d |\n", p.Phase, p.Status, p.Attempts)
	}
	r.post(ctx, sb.String())
}

// post delivers one comment. Errors are logged, never returned.
func (r *githubReporter) post(ctx context.Context, body string) {
	if err := r.limiter.Wait(ctx); err != nil {
		r.logger.Warn("report rate limiter interrupted", zap.Error(err))
		return
	}

	_, _, err := r.client.Issues.CreateComment(ctx, r.owner, r.repo, r.issue, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		r.logger.Warn("failed to post issue comment",
			zap.String("owner", r.owner),
			zap.String("repo", r.repo),
			zap.Int("issue", r.issue),
			zap.Error(err))
	}
}
