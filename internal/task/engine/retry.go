package engine

import (
	"context"
	"math/rand"
	"time"

	logx "herald/pkg/logx"
)

// Do runs fn inline with the engine's retry policy: exponential backoff with
// jitter, RetryAfter hints, NoRetry short-circuit and panic recovery. It is
// used where the caller must wait for the outcome (orchestration steps).
//
// The returned error keeps its NoRetry marker so callers can tell permanent
// failures apart.
func Do(ctx context.Context, opt TaskOptions, fn func(ctx context.Context) error) error {
	opt = opt.withDefaults(Config{RetryMax: 3})
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	_, err := runAttempts(ctx, nil, opt, 0, rng, logx.Nop(), fn)
	return err
}
