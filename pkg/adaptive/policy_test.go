package adaptive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/scanx/pkg/prefstore"
	"github.com/pmkol/scanx/pkg/scan"
)

func fastEngine(t *testing.T) *Engine {
	t.Helper()
	store := prefstore.NewMemoryStore()
	p := scan.DefaultPreferences()
	p.PreferredRetryDelayMs = 1
	require.NoError(t, store.Save(context.Background(), p))
	return NewEngine(Opts{
		Store:    store,
		Tunables: Tunables{BaseDelaysMs: map[scan.ErrorKind]int{scan.ErrKindQRNotDetected: 1}},
	})
}

func TestPolicy_NextBackOff(t *testing.T) {
	e := NewEngine(Opts{})
	p := e.NewPolicy(FailureContext{})
	p.Observe(fmt.Errorf("decode: %w", scan.ErrPoorLighting))
	require.Equal(t, time.Second, p.NextBackOff())
	require.Equal(t, 1500*time.Millisecond, p.NextBackOff())
	require.Equal(t, 2250*time.Millisecond, p.NextBackOff())
	require.Equal(t, backoff.Stop, p.NextBackOff())
	require.Equal(t, 4, p.Failures())
	require.Equal(t, scan.ErrKindPoorLighting, p.LastKind())
	require.False(t, p.Decision().ShouldRetry)
}

func TestEngine_Budget(t *testing.T) {
	e := NewEngine(Opts{})
	// Worst base delay is 2000ms: 2000 + 3000 + 4500.
	require.Equal(t, 9500*time.Millisecond+time.Second, e.Budget(time.Second))
}

func TestRetry_success(t *testing.T) {
	e := fastEngine(t)
	calls := 0
	v, p, err := Retry(context.Background(), e, FailureContext{}, time.Second, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", scan.ErrNetwork
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, p.Failures())
	require.Equal(t, 2, e.Preferences().RetryCount)
}

func TestRetry_exhausted(t *testing.T) {
	e := fastEngine(t)
	calls := 0
	_, p, err := Retry(context.Background(), e, FailureContext{}, time.Second, func(ctx context.Context) (int, error) {
		calls++
		return 0, scan.ErrNetwork
	})
	require.ErrorIs(t, err, scan.ErrNetwork)
	require.NotErrorIs(t, err, ErrBudgetExceeded)
	require.Equal(t, 4, calls)
	require.False(t, p.Decision().ShouldRetry)
	require.Equal(t, []scan.Action{scan.ActionShowManualInput, scan.ActionProvideGuidance}, p.Decision().Actions)
	require.Equal(t, 0, e.Preferences().RetryCount)
}

func TestRetry_budget(t *testing.T) {
	e := fastEngine(t)
	_, _, err := Retry(context.Background(), e, FailureContext{}, 20*time.Millisecond, func(ctx context.Context) (int, error) {
		time.Sleep(15 * time.Millisecond)
		return 0, scan.ErrNetwork
	})
	require.ErrorIs(t, err, ErrBudgetExceeded)
	require.Equal(t, 0, e.Preferences().RetryCount)
}

func TestRetry_callTimeout(t *testing.T) {
	e := NewEngine(Opts{
		Tunables: Tunables{BaseDelaysMs: map[scan.ErrorKind]int{scan.ErrKindAIProcessingFailed: 1}},
	})
	calls := 0
	_, p, err := Retry(context.Background(), e, FailureContext{}, 5*time.Millisecond, func(ctx context.Context) (int, error) {
		calls++
		if calls > 1 {
			return 1, nil
		}
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.NoError(t, err)
	require.Equal(t, scan.ErrKindAIProcessingFailed, p.LastKind())
}

func TestRetry_cancel(t *testing.T) {
	e := fastEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, p, err := Retry(ctx, e, FailureContext{}, time.Second, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, 1, calls)
	require.Equal(t, 0, p.Failures())
	require.Empty(t, e.History())
}
