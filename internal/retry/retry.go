// Package retry re-runs operations that fail with transient store errors.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/reloquent/carryover/internal/apperrors"
)

// Config defines retry behavior with exponential backoff.
type Config struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	JitterFactor float64       `yaml:"jitter_factor"`
}

// DefaultConfig returns 5 retries starting at 200ms, capped at 10s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		c.JitterFactor = d.JitterFactor
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// NotifyFunc is called before each retry with the error and the wait.
type NotifyFunc func(err error, wait time.Duration)

// Do runs fn until it succeeds, fails with a non-transient error, exhausts
// MaxRetries, or ctx is done. The last error is returned unchanged.
func Do(ctx context.Context, cfg Config, fn func() error, notify NotifyFunc) error {
	cfg = cfg.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialDelay
	eb.MaxInterval = cfg.MaxDelay
	eb.Multiplier = cfg.Multiplier
	eb.RandomizationFactor = cfg.JitterFactor
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.MaxRetries)), ctx)

	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !apperrors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) { notify(err, wait) }
	}
	return backoff.RetryNotify(op, b, n)
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error), notify NotifyFunc) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		r, err := fn()
		if err != nil {
			return err
		}
		result = r
		return nil
	}, notify)
	return result, err
}
