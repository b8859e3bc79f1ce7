package secrets

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Allowlist contains path and content patterns excluded from detection.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlist parses a .gitleaks.toml allowlist file. A missing file is
// not an error and yields a nil allowlist; invalid TOML or regex patterns
// are reported so a broken allowlist never silently widens detection.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return nil, nil
	}

	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat allowlist: %w", err)
	}

	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse allowlist %s: %w", path, err)
	}

	for _, pattern := range doc.Allowlist.Paths {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid path pattern %q in %s: %w", pattern, path, err)
		}
	}
	for _, pattern := range doc.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid content pattern %q in %s: %w", pattern, path, err)
		}
	}

	return &Allowlist{
		Paths:   doc.Allowlist.Paths,
		Regexes: doc.Allowlist.Regexes,
	}, nil
}

// applyAllowlist merges allowlist patterns into the detector config.
// Patterns are validated in LoadAllowlist before they reach this point.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "project allowlist",
	}

	for _, pattern := range allowlist.Paths {
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	for _, pattern := range allowlist.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)

	cfg.Allowlists = append(cfg.Allowlists, global)
}
