package health

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// DefaultPollInterval is the delay between readiness probes.
const DefaultPollInterval = 5 * time.Second

// ProbeFunc is a single readiness check.
type ProbeFunc func(ctx context.Context) error

// WaitFor repeats probe every interval until it succeeds, returns a
// permanent error, or timeout elapses. On timeout the last probe error is
// wrapped in a transient TIMEOUT error.
func WaitFor(ctx context.Context, what string, timeout, interval time.Duration, probe ProbeFunc) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := probe(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if engine.IsPermanent(err) || engine.IsAuth(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		log.Debug().Str("target", what).Int("attempt", attempts).Err(err).Msg("Not ready yet")
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if engine.IsPermanent(err) || engine.IsAuth(err) {
		return err
	}
	return engine.NewTransientError(what+" not ready after "+timeout.String(), err).
		WithCode(engine.ErrCodeTimeout).
		WithOperation("wait")
}
