// Package logging provides structured logging for workflow execution.
//
// It wraps Zap with a custom Trace level (-2, below Debug), automatic
// context field injection (trace_id, workflow namespace, phase), and a
// test logger built on zap's observer core.
//
// Create a logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Log with context:
//
//	ctx := logging.WithNamespace(ctx, "a3f9c1d2")
//	ctx = logging.WithPhase(ctx, "scout")
//	logger.Info(ctx, "phase started", zap.Duration("timeout", t))
package logging
