// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry runs storage operations with bounded exponential backoff.
// Only transient faults (timeouts, dropped connections, 5xx responses and
// Postgres transient codes) are retried; everything else fails on the
// first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// ErrAttemptTimeout is returned when a single attempt exceeds its deadline.
// It is always retryable.
var ErrAttemptTimeout = errors.New("attempt timed out")

// Options controls the retry policy.
type Options struct {
	MaxAttempts    int           // total attempts including the first
	InitialDelay   time.Duration // delay before the second attempt
	MaxDelay       time.Duration // cap for any single delay
	AttemptTimeout time.Duration // deadline for each attempt; 0 disables
	MaxJitter      time.Duration // upper bound of uniform random jitter
}

// DefaultOptions returns the default policy: 4 attempts (3 retries),
// 500ms initial delay doubling up to 10s, 10s per attempt, up to 1s jitter.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    4,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		AttemptTimeout: 10 * time.Second,
		MaxJitter:      time.Second,
	}
}

// Executor applies an Options policy to operations.
type Executor struct {
	opts Options

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	// jitter returns a random duration in [0, max].
	jitter func(max time.Duration) time.Duration
}

// New creates an executor. Zero-valued options fall back to the defaults.
func New(opts Options) *Executor {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = def.InitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.MaxJitter < 0 {
		opts.MaxJitter = 0
	}

	return &Executor{
		opts:   opts,
		sleep:  sleepCtx,
		jitter: uniformJitter,
	}
}

// Options returns the effective policy.
func (e *Executor) Options() Options {
	return e.opts
}

// Run executes an operation that only returns an error.
func (e *Executor) Run(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do executes op until it succeeds, fails permanently, or the attempt budget
// is exhausted. On exhaustion the last error is returned.
func Do[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := runAttempt(ctx, e.opts.AttemptTimeout, op)
		if err == nil {
			if attempt > 1 {
				slog.Info("operation succeeded after retry",
					"operation", name,
					"attempt", attempt,
				)
			}
			return result, nil
		}
		lastErr = err

		// The caller gave up; an attempt timeout is not the reason.
		if ctx.Err() != nil {
			return zero, err
		}

		if !IsRetryable(err) {
			return zero, err
		}

		if attempt == e.opts.MaxAttempts {
			break
		}

		delay := e.backoff(attempt)
		slog.Warn("operation failed, retrying",
			"operation", name,
			"attempt", attempt,
			"max_attempts", e.opts.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		if err := e.sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	slog.Error("operation failed after all attempts",
		"operation", name,
		"attempts", e.opts.MaxAttempts,
		"error", lastErr,
	)
	return zero, fmt.Errorf("%s: giving up after %d attempts: %w", name, e.opts.MaxAttempts, lastErr)
}

// runAttempt races op against the attempt deadline. On timeout the
// goroutine running op is abandoned and may still complete.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		v, err := op(attemptCtx)
		done <- outcome{val: v, err: err}
	}()

	select {
	case out := <-done:
		return out.val, out.err
	case <-attemptCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}
}

// backoff returns the delay before attempt+1.
func (e *Executor) backoff(attempt int) time.Duration {
	delay := e.opts.InitialDelay << (attempt - 1)
	if delay <= 0 || delay > e.opts.MaxDelay {
		delay = e.opts.MaxDelay
	}
	if e.opts.MaxJitter > 0 {
		delay += e.jitter(e.opts.MaxJitter)
	}
	if delay > e.opts.MaxDelay {
		delay = e.opts.MaxDelay
	}
	return delay
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max + 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
