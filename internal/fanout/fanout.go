// Package fanout runs one operation against many targets with per-target
// failure isolation. Forwarding and broadcast both go through Run.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrTimeout marks an attempt that did not finish within Options.PerCallTimeout.
var ErrTimeout = errors.New("call timed out")

type Options struct {
	// Concurrency bounds parallel attempts. <= 1 attempts targets one by one
	// in slice order.
	Concurrency int
	// PerCallTimeout bounds each attempt. 0 leaves attempts bounded only by ctx.
	PerCallTimeout time.Duration
}

type Failure[T any] struct {
	Target T
	Err    error
}

type Result[T any] struct {
	Attempted int
	Succeeded int
	// Failures are ordered like the input targets.
	Failures []Failure[T]
}

func (r Result[T]) Failed() int { return len(r.Failures) }

// Err combines every failure, or returns nil when all attempts succeeded.
func (r Result[T]) Err() error {
	var err error
	for _, f := range r.Failures {
		err = multierr.Append(err, fmt.Errorf("%v: %w", f.Target, f.Err))
	}
	return err
}

// Run calls op once per target and returns after every attempt has finished
// or timed out. A failing, panicking or hanging op affects only its own target.
func Run[T any](ctx context.Context, targets []T, opts Options, op func(ctx context.Context, target T) error) Result[T] {
	res := Result[T]{Attempted: len(targets)}
	if len(targets) == 0 {
		return res
	}

	errs := make([]error, len(targets))
	var g errgroup.Group
	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, t := range targets {
		g.Go(func() error {
			errs[i] = attempt(ctx, opts.PerCallTimeout, func(ctx context.Context) error { return op(ctx, t) })
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err == nil {
			res.Succeeded++
			continue
		}
		res.Failures = append(res.Failures, Failure[T]{Target: targets[i], Err: err})
	}
	return res
}

func attempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return safeCall(ctx, fn)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// op may ignore its context; the buffered channel lets it finish later
	// without blocking.
	done := make(chan error, 1)
	go func() { done <- safeCall(callCtx, fn) }()
	select {
	case err := <-done:
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

func safeCall(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
