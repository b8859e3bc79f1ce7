package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"
)

// Scrubber detects and redacts secrets from content.
type Scrubber interface {
	// Scrub redacts secrets from the content.
	Scrub(content string) *Result

	// IsEnabled returns whether scrubbing is active.
	IsEnabled() bool
}

// Result contains the scrubbing outcome. The original content is not
// retained to avoid keeping detected secrets alive.
type Result struct {
	// Scrubbed is the content with secrets replaced by redaction markers.
	Scrubbed string `json:"scrubbed"`

	// Findings describes the detected secrets (without their values).
	Findings []Finding `json:"findings,omitempty"`

	// Duration is how long scrubbing took.
	Duration time.Duration `json:"duration"`
}

// Finding records a detected secret. The matched value is never included.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line,omitempty"`
}

// HasFindings returns true if any secrets were detected.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// Config configures the scrubber.
type Config struct {
	// Enabled controls whether scrubbing is active.
	Enabled bool

	// AllowlistPath is an optional .gitleaks.toml allowlist file.
	AllowlistPath string
}

// New creates a Scrubber backed by the Gitleaks default ruleset. Scrubbing
// fails open: if the detector or allowlist cannot be initialized, a warning
// is logged and a pass-through scrubber is returned so a broken ruleset
// never blocks a workflow.
func New(cfg Config, logger *zap.Logger) Scrubber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return NoopScrubber{}
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		logger.Warn("secret detector unavailable, output scrubbing disabled", zap.Error(err))
		return NoopScrubber{}
	}

	allowlist, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		logger.Warn("ignoring invalid secrets allowlist",
			zap.String("path", cfg.AllowlistPath),
			zap.Error(err))
	} else if allowlist != nil {
		applyAllowlist(&detector.Config, allowlist)
	}

	return &gitleaksScrubber{detector: detector}
}

// gitleaksScrubber scans content with the Gitleaks SDK and replaces each
// detected secret with a [REDACTED:<rule>] marker.
type gitleaksScrubber struct {
	detector *detect.Detector
	mu       sync.Mutex
}

func (s *gitleaksScrubber) Scrub(content string) *Result {
	start := time.Now()
	result := &Result{Scrubbed: content}

	s.mu.Lock()
	findings := s.detector.DetectString(content)
	s.mu.Unlock()

	if len(findings) == 0 {
		result.Duration = time.Since(start)
		return result
	}

	// Replace by matched value rather than by offset: Gitleaks reports
	// line/column positions, and the same secret often appears more than
	// once. Longer secrets go first so a value that contains another
	// detected value is not partially rewritten.
	type replacement struct {
		secret string
		rule   string
	}
	seen := make(map[string]struct{}, len(findings))
	replacements := make([]replacement, 0, len(findings))
	for _, f := range findings {
		result.Findings = append(result.Findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
		if f.Secret == "" {
			continue
		}
		if _, ok := seen[f.Secret]; ok {
			continue
		}
		seen[f.Secret] = struct{}{}
		replacements = append(replacements, replacement{secret: f.Secret, rule: f.RuleID})
	}
	sort.Slice(replacements, func(i, j int) bool {
		if len(replacements[i].secret) != len(replacements[j].secret) {
			return len(replacements[i].secret) > len(replacements[j].secret)
		}
		return replacements[i].secret < replacements[j].secret
	})

	scrubbed := content
	for _, r := range replacements {
		marker := fmt.Sprintf("[REDACTED:%s]", r.rule)
		scrubbed = strings.ReplaceAll(scrubbed, r.secret, marker)
	}

	result.Scrubbed = scrubbed
	result.Duration = time.Since(start)
	return result
}

func (s *gitleaksScrubber) IsEnabled() bool { return true }

// NoopScrubber passes content through unchanged.
type NoopScrubber struct{}

func (NoopScrubber) Scrub(content string) *Result {
	return &Result{Scrubbed: content}
}

func (NoopScrubber) IsEnabled() bool { return false }
