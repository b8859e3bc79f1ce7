package discovery

import (
	"bytes"
	"context"
	"math/rand"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// contentReadLimit bounds how much of each artifact the structural level
// inspects.
const contentReadLimit = 64 * 1024

// Per-token score weights. A filename hit is a much stronger relevance
// signal than a content hit.
const (
	filenameWeight = 5
	contentWeight  = 1
)

// structuralStrategy is fallback level 2: score every artifact in the
// universe by filename and bounded content matches against the task's
// tokens, keep the best maxFiles.
type structuralStrategy struct {
	universe *Universe
	maxFiles int
	logger   *zap.Logger
}

func (s *structuralStrategy) Name() string { return "structural" }
func (s *structuralStrategy) Level() int   { return LevelStructural }

type scoredFile struct {
	path  string
	score int
}

func (s *structuralStrategy) Discover(ctx context.Context, task string) (*Result, error) {
	tokens := tokenize(task)
	if len(tokens) == 0 {
		return nil, nil
	}

	files, err := s.universe.Files(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []scoredFile
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		score := 0
		lowerPath := strings.ToLower(f)
		for _, token := range tokens {
			if strings.Contains(lowerPath, token) {
				score += filenameWeight
			}
		}

		content, rerr := s.universe.ReadLimited(f, contentReadLimit)
		if rerr == nil {
			lower := bytes.ToLower(content)
			for _, token := range tokens {
				if bytes.Contains(lower, []byte(token)) {
					score += contentWeight
				}
			}
		}

		if score > 0 {
			candidates = append(candidates, scoredFile{path: f, score: score})
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	seed := taskSeed(task, len(candidates))
	kept := selectTop(candidates, s.maxFiles, seed)

	sort.Strings(kept)
	s.logger.Debug("structural strategy matched",
		zap.Int("candidates", len(candidates)),
		zap.Int("kept", len(kept)),
	)
	return &Result{Level: LevelStructural, Strategy: s.Name(), Files: kept, Seed: seed}, nil
}

// selectTop keeps the max best-scored candidates. Ranking is by score
// descending then path ascending; when more candidates tie at the cutoff
// score than fit, the survivors among the tied group are sampled with a
// generator seeded from the task, never the clock.
func selectTop(candidates []scoredFile, max int, seed uint64) []string {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].path < candidates[j].path
	})

	if max <= 0 || len(candidates) <= max {
		out := make([]string, len(candidates))
		for i, c := range candidates {
			out[i] = c.path
		}
		return out
	}

	cutoff := candidates[max-1].score

	// Everything strictly above the cutoff score is kept outright.
	var kept []string
	var tied []string
	for _, c := range candidates {
		switch {
		case c.score > cutoff:
			kept = append(kept, c.path)
		case c.score == cutoff:
			tied = append(tied, c.path)
		}
	}

	remaining := max - len(kept)
	if len(tied) > remaining {
		rng := rand.New(rand.NewSource(int64(seed)))
		rng.Shuffle(len(tied), func(i, j int) {
			tied[i], tied[j] = tied[j], tied[i]
		})
		tied = tied[:remaining]
	}
	return append(kept, tied...)
}

// listingStrategy is fallback level 3: filename-only token match, no
// content inspection.
type listingStrategy struct {
	universe *Universe
	maxFiles int
	logger   *zap.Logger
}

func (s *listingStrategy) Name() string { return "listing" }
func (s *listingStrategy) Level() int   { return LevelListing }

func (s *listingStrategy) Discover(ctx context.Context, task string) (*Result, error) {
	tokens := tokenize(task)
	if len(tokens) == 0 {
		return nil, nil
	}

	files, err := s.universe.Files(ctx)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, f := range files {
		lower := strings.ToLower(f)
		for _, token := range tokens {
			if strings.Contains(lower, token) {
				matched = append(matched, f)
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	sort.Strings(matched)
	if s.maxFiles > 0 && len(matched) > s.maxFiles {
		matched = matched[:s.maxFiles]
	}
	return &Result{Level: LevelListing, Strategy: s.Name(), Files: matched}, nil
}

// emptyStrategy is fallback level 4: a structurally valid empty result.
// It never misses and never errors, which is what guarantees the chain
// terminates.
type emptyStrategy struct{}

func (emptyStrategy) Name() string { return "empty" }
func (emptyStrategy) Level() int   { return LevelEmpty }

func (emptyStrategy) Discover(ctx context.Context, task string) (*Result, error) {
	return &Result{Level: LevelEmpty, Strategy: "empty", Files: []string{}}, nil
}
