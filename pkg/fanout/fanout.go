// Package fanout runs a worker over a set of keyed items concurrently,
// bounded by a limit and an optional deadline, and collects the results
// and the per-item failures of every item.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultLimit = 16

var (
	// ErrTimeout reports that the deadline expired before an item finished.
	ErrTimeout = errors.New("timed out waiting for worker")
	// ErrCanceled reports that the caller cancelled the wait before an item finished.
	ErrCanceled = errors.New("canceled waiting for worker")
)

// Worker produces the value of one item.
type Worker[V any] func(ctx context.Context, item string) (V, error)

// ItemError is the failure of a single item.
type ItemError struct {
	Item string
	Err  error

	pos int
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Item, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Interrupted reports whether the item failed because the wait was
// interrupted rather than because its worker failed on its own.
func (e *ItemError) Interrupted() bool {
	return errors.Is(e.Err, ErrTimeout) || errors.Is(e.Err, ErrCanceled)
}

type options struct {
	limit   int
	timeout time.Duration
}

type Option func(*options)

// WithLimit bounds how many workers run at once. A non-positive
// limit falls back to DefaultLimit.
func WithLimit(n int) Option {
	return func(o *options) {
		o.limit = n
	}
}

// WithTimeout bounds the whole run. Zero means no deadline other
// than the one carried by the parent context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Run calls fn once for every item with at most limit calls in flight and
// returns once every started call returned. A failing call does not stop
// the others; its error is recorded against its item. When the deadline
// expires or ctx is cancelled, the context given to running workers is
// cancelled, items not yet started are recorded as failures wrapping
// ErrTimeout or ErrCanceled, and the same sentinel is returned as the
// third value. The third value is nil when the wait was not interrupted.
//
// Failures are ordered as the items were given. Duplicate items are run
// once.
func Run[V any](ctx context.Context, items []string, fn Worker[V], opts ...Option) (map[string]V, []*ItemError, error) {
	o := options{limit: DefaultLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if o.limit <= 0 {
		o.limit = DefaultLimit
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if o.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	results := NewResults[V]()
	var (
		failuresMu  sync.Mutex
		failures    []*ItemError
		interrupted atomic.Bool
	)
	fail := func(pos int, item string, err error) {
		failuresMu.Lock()
		defer failuresMu.Unlock()
		failures = append(failures, &ItemError{Item: item, Err: err, pos: pos})
	}
	interrupt := func(pos int, item string, cause error) {
		interrupted.Store(true)
		if cause == nil {
			fail(pos, item, InterruptErr(runCtx))
			return
		}
		fail(pos, item, fmt.Errorf("%w: %w", InterruptErr(runCtx), cause))
	}

	// Workers never return an error to the group so a failure
	// does not cancel the other workers.
	var g errgroup.Group
	g.SetLimit(o.limit)
	seen := make(map[string]struct{}, len(items))
	for pos, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		if runCtx.Err() != nil {
			interrupt(pos, item, nil)
			continue
		}
		g.Go(func() error {
			if runCtx.Err() != nil {
				interrupt(pos, item, nil)
				return nil
			}
			v, err := fn(runCtx, item)
			switch {
			case err != nil && runCtx.Err() != nil:
				interrupt(pos, item, err)
			case err != nil:
				fail(pos, item, err)
			default:
				results.Put(item, v)
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(failures, func(a, b *ItemError) int {
		return a.pos - b.pos
	})
	if interrupted.Load() {
		return results.Map(), failures, InterruptErr(runCtx)
	}
	return results.Map(), failures, nil
}

// InterruptErr returns ErrTimeout when ctx expired and ErrCanceled otherwise.
// It is meant for a ctx that is already done.
func InterruptErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCanceled
}
