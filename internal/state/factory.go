package state

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/arkaigrowth/scout-plan-build-sub003/internal/config"
)

// New builds the configured Store backend and wraps it with telemetry.
// Callers select the backend through configuration, never code branches.
func New(cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case "memory":
		store = NewMemoryStore()
	case "file":
		store, err = NewFileStore(cfg.File.Dir, logger.Named("state.file"))
	case "nats":
		store, err = NewNATSStore(NATSConfig{
			URL:          cfg.NATS.URL,
			BucketPrefix: cfg.NATS.BucketPrefix,
			Token:        cfg.NATS.Credentials.Value(),
			Timeout:      cfg.NATS.Timeout.Duration(),
		}, logger.Named("state.nats"))
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	return WithTelemetry(store), nil
}
