package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func upper(_ context.Context, item string) (string, error) {
	return strings.ToUpper(item), nil
}

func TestRunAllSucceed(t *testing.T) {
	results, failures, err := Run(t.Context(), []string{"a", "b", "c"}, upper)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, map[string]string{"a": "A", "b": "B", "c": "C"}, results)
}

func TestRunNoItems(t *testing.T) {
	results, failures, err := Run(t.Context(), nil, upper)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Empty(t, results)
}

func TestRunFailuresDoNotAbortSiblings(t *testing.T) {
	items := make([]string, 0, 10)
	for i := range 10 {
		items = append(items, fmt.Sprintf("t%d", i))
	}
	broken := errors.New("broken table")
	var calls atomic.Int32
	results, failures, err := Run(t.Context(), items, func(_ context.Context, item string) (int, error) {
		calls.Add(1)
		if item == "t2" || item == "t7" || item == "t5" {
			return 0, broken
		}
		return len(item), nil
	}, WithLimit(3))
	require.NoError(t, err)
	assert.Equal(t, int32(10), calls.Load())
	assert.Len(t, results, 7)
	require.Len(t, failures, 3)
	// Failures keep the order of the items.
	assert.Equal(t, "t2", failures[0].Item)
	assert.Equal(t, "t5", failures[1].Item)
	assert.Equal(t, "t7", failures[2].Item)
	for _, f := range failures {
		assert.ErrorIs(t, f, broken)
		assert.False(t, f.Interrupted())
		assert.NotContains(t, results, f.Item)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	items := make([]string, 0, 40)
	for i := range 40 {
		items = append(items, fmt.Sprintf("t%d", i))
	}
	var inFlight, peak atomic.Int32
	results, failures, err := Run(t.Context(), items, func(_ context.Context, item string) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return item, nil
	}, WithLimit(4))
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Len(t, results, 40)
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Positive(t, peak.Load())
}

func TestRunDuplicateItems(t *testing.T) {
	var calls atomic.Int32
	results, _, err := Run(t.Context(), []string{"a", "b", "a"}, func(_ context.Context, item string) (string, error) {
		calls.Add(1)
		return item, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, results, 2)
}

func TestRunTimeout(t *testing.T) {
	// With a limit of one, "slow" blocks until the deadline and
	// "never" is only dispatched after it expired.
	var neverCalled atomic.Bool
	results, failures, err := Run(t.Context(), []string{"fast", "slow", "never"}, func(ctx context.Context, item string) (string, error) {
		switch item {
		case "slow":
			<-ctx.Done()
			return "", ctx.Err()
		case "never":
			neverCalled.Store(true)
		}
		return item, nil
	}, WithLimit(1), WithTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, neverCalled.Load())
	assert.Equal(t, map[string]string{"fast": "fast"}, results)
	require.Len(t, failures, 2)
	assert.Equal(t, "slow", failures[0].Item)
	assert.ErrorIs(t, failures[0], ErrTimeout)
	assert.ErrorIs(t, failures[0], context.DeadlineExceeded)
	assert.True(t, failures[0].Interrupted())
	assert.Equal(t, "never", failures[1].Item)
	assert.ErrorIs(t, failures[1], ErrTimeout)
	assert.True(t, failures[1].Interrupted())
}

func TestRunCanceledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	var calls atomic.Int32
	results, failures, err := Run(ctx, []string{"a", "b"}, func(_ context.Context, item string) (string, error) {
		calls.Add(1)
		return item, nil
	})
	require.ErrorIs(t, err, ErrCanceled)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Zero(t, calls.Load())
	assert.Empty(t, results)
	require.Len(t, failures, 2)
	for _, f := range failures {
		assert.ErrorIs(t, f, ErrCanceled)
	}
}

func TestRunCancelPropagatesToWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	var started sync.WaitGroup
	started.Add(2)
	go func() {
		started.Wait()
		cancel()
	}()
	_, failures, err := Run(ctx, []string{"a", "b"}, func(ctx context.Context, _ string) (string, error) {
		started.Done()
		<-ctx.Done()
		return "", ctx.Err()
	}, WithLimit(2))
	require.ErrorIs(t, err, ErrCanceled)
	require.Len(t, failures, 2)
	assert.ErrorIs(t, failures[0], context.Canceled)
	assert.ErrorIs(t, failures[1], ErrCanceled)
}

func TestRunWaitsForStartedWorkers(t *testing.T) {
	var finished atomic.Bool
	results, failures, err := Run(t.Context(), []string{"stubborn"}, func(_ context.Context, item string) (string, error) {
		// Ignores cancellation entirely.
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return item, nil
	}, WithTimeout(10*time.Millisecond))
	assert.True(t, finished.Load())
	// The worker produced its value, so nothing was lost to the deadline.
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, map[string]string{"stubborn": "stubborn"}, results)
}

func TestItemError(t *testing.T) {
	err := &ItemError{Item: "t_order", Err: errors.New("boom")}
	assert.Equal(t, "t_order: boom", err.Error())
	assert.Equal(t, "boom", errors.Unwrap(err).Error())
}
