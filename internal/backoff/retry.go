// ABOUTME: Randomized exponential backoff for reconnect attempts
// ABOUTME: Retries an operation until it succeeds, is aborted or the context ends
package backoff

import (
	"context"
	"log"
	"math/rand"
	"time"
)

// Config controls Retry. The zero value retries forever starting at the
// duration of the failed attempt.
type Config struct {
	// Report is called with every failure. Returning a non-nil error
	// aborts the loop with that error. Defaults to logging.
	Report func(error) error

	// MinWait is the first delay
	MinWait time.Duration

	// MaxWait caps the delay
	MaxWait time.Duration

	// MaxAttempts stops after that many failures when positive
	MaxAttempts int
}

// Retry calls try with the default configuration
func Retry(ctx context.Context, try func() error) error {
	return Config{}.Retry(ctx, try)
}

// Retry calls try until it returns nil. It returns ctx.Err() when the
// context ends first, and never calls try on an already cancelled context.
func (c Config) Retry(ctx context.Context, try func() error) error {
	report := c.Report
	if report == nil {
		report = func(err error) error {
			log.Printf("Retrying after error: %v", err)
			return nil
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	wait := c.MinWait
	if wait <= 0 {
		wait = time.Millisecond
	}

	for attempt := 1; ; attempt++ {
		started := time.Now()
		err := try()
		if err == nil {
			return nil
		}
		if abort := report(err); abort != nil {
			return abort
		}
		if c.MaxAttempts > 0 && attempt >= c.MaxAttempts {
			return err
		}

		// Never wait less than the attempt itself took
		if elapsed := time.Since(started); wait < elapsed {
			wait = elapsed
		}
		wait += time.Duration(rand.Int63n(int64(wait)))
		if c.MaxWait > 0 && wait > c.MaxWait {
			wait = c.MaxWait
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
