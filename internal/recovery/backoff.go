package recovery

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"
)

// nextBackoff computes the delay before a given retry attempt (1-based).
// Jitter, when enabled, draws from a generator seeded from the namespace,
// phase, and attempt number — never the clock — so retry timing stays
// reproducible in tests.
func nextBackoff(policy RetryPolicy, namespace, phase string, attempt int) time.Duration {
	d := policy.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * policy.Multiplier)
		if d >= policy.MaxBackoff {
			d = policy.MaxBackoff
			break
		}
	}
	if d > policy.MaxBackoff {
		d = policy.MaxBackoff
	}

	if policy.Jitter && d > 0 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(namespace))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(phase))
		rng := rand.New(rand.NewSource(int64(h.Sum64()) + int64(attempt)))
		// Full jitter: uniform in (0, d].
		d = time.Duration(rng.Int63n(int64(d))) + 1
	}
	return d
}

// sleep waits for d, honoring context cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
