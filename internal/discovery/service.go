package discovery

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/arkaigrowth/scout-plan-build-sub003/internal/discovery"

// Config configures the discovery service.
type Config struct {
	// Root is the directory holding the artifact universe.
	Root string

	// MaxFiles caps how many artifacts a level may return.
	MaxFiles int

	// ConfidenceThreshold is the minimum similarity for a memory hit.
	ConfidenceThreshold float64

	// MemoryPath is the persistent memory index directory; empty keeps
	// the index in memory only.
	MemoryPath string

	// VerifyDeterminism re-runs the winning level and compares output.
	// Intended for tests and non-production runs.
	VerifyDeterminism bool

	// Watch invalidates the universe cache on filesystem changes.
	Watch bool
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.MaxFiles == 0 {
		c.MaxFiles = 50
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.75
	}
}

// Service runs the four-level fallback chain.
type Service struct {
	cfg      Config
	chain    []Strategy
	universe *Universe
	memory   *MemoryIndex
	logger   *zap.Logger

	tracer          trace.Tracer
	discoverCounter metric.Int64Counter
	levelCounter    metric.Int64Counter
}

// New builds a discovery service over the configured universe root.
func New(cfg Config, logger *zap.Logger) (*Service, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("discovery requires a universe root")
	}

	universe, err := NewUniverse(cfg.Root, cfg.Watch, logger.Named("universe"))
	if err != nil {
		return nil, err
	}

	index, err := NewMemoryIndex(cfg.MemoryPath, logger.Named("memory"))
	if err != nil {
		_ = universe.Close()
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		universe: universe,
		memory:   index,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		chain: []Strategy{
			&memoryStrategy{index: index, universe: universe, threshold: cfg.ConfidenceThreshold, logger: logger},
			&structuralStrategy{universe: universe, maxFiles: cfg.MaxFiles, logger: logger},
			&listingStrategy{universe: universe, maxFiles: cfg.MaxFiles, logger: logger},
			emptyStrategy{},
		},
	}

	meter := otel.Meter(instrumentationName)
	s.discoverCounter, _ = meter.Int64Counter(
		"spb.discovery.runs_total",
		metric.WithDescription("Total discovery runs"),
		metric.WithUnit("{run}"),
	)
	s.levelCounter, _ = meter.Int64Counter(
		"spb.discovery.level_wins_total",
		metric.WithDescription("Discovery wins by fallback level"),
		metric.WithUnit("{win}"),
	)

	return s, nil
}

// Universe exposes the artifact universe for callers that need existence
// checks.
func (s *Service) Universe() *Universe { return s.universe }

// Discover runs the chain, first success wins. The only error surfaced is
// context cancellation: every discovery-level failure falls through to the
// next strategy and level 4 always succeeds.
func (s *Service) Discover(ctx context.Context, task string) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "discovery.discover")
	defer span.End()

	if s.discoverCounter != nil {
		s.discoverCounter.Add(ctx, 1)
	}

	for _, strategy := range s.chain {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: %v", ErrExhausted, err)
		}

		result, err := strategy.Discover(ctx, task)
		if err != nil {
			s.logger.Warn("discovery strategy failed, falling back",
				zap.String("strategy", strategy.Name()),
				zap.Int("level", strategy.Level()),
				zap.Error(err),
			)
			continue
		}
		if result == nil {
			continue
		}

		if s.cfg.VerifyDeterminism {
			result.DeterminismVerified = s.verify(ctx, strategy, task, result)
		}

		span.SetAttributes(
			attribute.Int("discovery.level", result.Level),
			attribute.String("discovery.strategy", result.Strategy),
			attribute.Int("discovery.files", len(result.Files)),
		)
		if s.levelCounter != nil {
			s.levelCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.Int("level", result.Level),
			))
		}
		s.logger.Info("discovery completed",
			zap.String("strategy", result.Strategy),
			zap.Int("level", result.Level),
			zap.Int("files", len(result.Files)),
		)
		return result, nil
	}

	// Unreachable while the empty level is in the chain; kept so the
	// chain stays safe if strategies are reconfigured.
	return nil, ErrExhausted
}

// verify re-runs the winning strategy and compares file lists.
func (s *Service) verify(ctx context.Context, strategy Strategy, task string, first *Result) bool {
	second, err := strategy.Discover(ctx, task)
	if err != nil || second == nil {
		return false
	}
	if len(first.Files) != len(second.Files) {
		return false
	}
	for i := range first.Files {
		if first.Files[i] != second.Files[i] {
			return false
		}
	}
	return true
}

// Record persists a task's final file set for future memory-level hits.
func (s *Service) Record(ctx context.Context, task string, files []string, level int) error {
	ctx, span := s.tracer.Start(ctx, "discovery.record")
	defer span.End()

	if err := s.memory.Record(ctx, task, files, level); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Close releases the universe watcher.
func (s *Service) Close() error {
	return s.universe.Close()
}
