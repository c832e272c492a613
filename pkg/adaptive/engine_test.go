package adaptive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/scanx/pkg/prefstore"
	"github.com/pmkol/scanx/pkg/scan"
)

type fakeOptimizer struct {
	mu    sync.Mutex
	calls []scan.Lighting
}

func (o *fakeOptimizer) OptimizeForLighting(l scan.Lighting) scan.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, l)
	return scan.DefaultSettings()
}

type brokenStore struct{}

func (brokenStore) Load(context.Context) (scan.Preferences, error) {
	return scan.DefaultPreferences(), errors.New("storage corrupted")
}

func (brokenStore) Save(context.Context, scan.Preferences) error {
	return errors.New("storage full")
}

func TestCalculateDelay(t *testing.T) {
	var got []time.Duration
	for r := 0; r < 3; r++ {
		got = append(got, calculateDelay(1000, r, 1.5, 5000))
	}
	require.Equal(t, []time.Duration{1000 * time.Millisecond, 1500 * time.Millisecond, 2250 * time.Millisecond}, got)

	for _, base := range []int{500, 1000, 1500, 2000, 9000} {
		prev := time.Duration(0)
		for r := 0; r < 20; r++ {
			d := calculateDelay(base, r, 1.5, 5000)
			require.LessOrEqual(t, d, 5*time.Second)
			require.GreaterOrEqual(t, d, prev)
			prev = d
		}
	}
}

func TestEngine_exhaustion(t *testing.T) {
	opt := new(fakeOptimizer)
	store := prefstore.NewMemoryStore()
	e := NewEngine(Opts{Store: store, Optimizer: opt})
	fc := FailureContext{StartedAt: time.Now(), Lighting: scan.LightingDark}

	var decs []Decision
	for i := 0; i < 4; i++ {
		decs = append(decs, e.HandleScanFailure(scan.ErrKindPoorLighting, fc))
	}
	for i, d := range decs[:3] {
		require.True(t, d.ShouldRetry, "failure %d", i+1)
	}
	assert.Equal(t, time.Second, decs[0].RetryDelay)
	assert.Equal(t, 1500*time.Millisecond, decs[1].RetryDelay)
	assert.Equal(t, 2250*time.Millisecond, decs[2].RetryDelay)

	assert.NotContains(t, decs[0].Actions, scan.ActionAutoEnableTorch)
	assert.Contains(t, decs[1].Actions, scan.ActionAutoEnableTorch)

	last := decs[3]
	require.False(t, last.ShouldRetry)
	require.Zero(t, last.RetryDelay)
	require.Equal(t, []scan.Action{scan.ActionShowManualInput, scan.ActionProvideGuidance}, last.Actions)
	require.Equal(t, 0, e.Preferences().RetryCount)

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, saved.RetryCount)

	require.Len(t, opt.calls, 4)
	for _, l := range opt.calls {
		require.Equal(t, scan.LightingDark, l)
	}
	require.Len(t, e.History(), 4)
}

func TestEngine_actions(t *testing.T) {
	e := NewEngine(Opts{})
	d := e.HandleScanFailure(scan.ErrKindCameraPermission, FailureContext{})
	assert.Equal(t, []scan.Action{scan.ActionRequestPermission, scan.ActionShowPermissionHelp}, d.Actions)
	assert.Equal(t, 2*time.Second, d.RetryDelay)

	e.ResetRetries()
	d = e.HandleScanFailure(scan.ErrKindQRNotDetected, FailureContext{})
	assert.Equal(t, []scan.Action{scan.ActionAdjustFocus, scan.ActionStabilize}, d.Actions)
	assert.Equal(t, 1500*time.Millisecond, d.RetryDelay)
	d = e.HandleScanFailure(scan.ErrKindQRNotDetected, FailureContext{})
	assert.Contains(t, d.Actions, scan.ActionReduceResolution)

	e.ResetRetries()
	d = e.HandleScanFailure(scan.ErrKindNetwork, FailureContext{})
	assert.Equal(t, []scan.Action{scan.ActionGeneral}, d.Actions)
	assert.Equal(t, time.Second, d.RetryDelay)
}

func TestEngine_feedback(t *testing.T) {
	var c scan.Collector
	e := NewEngine(Opts{Notifier: &c})
	for i := 0; i < 5; i++ {
		e.HandleScanFailure(scan.ErrKindPoorLighting, FailureContext{})
	}
	require.Len(t, c.Suggestions, 5)
	assert.Equal(t, "Try moving to a brighter area", c.Suggestions[0].Message)
	assert.Equal(t, "Lighting seems challenging, enabling auto-torch", c.Suggestions[2].Message)
	assert.Equal(t, scan.ActionShowManualInput, c.Suggestions[3].Action)
	assert.Equal(t, "Try moving to a brighter area", c.Suggestions[4].Message)

	store := prefstore.NewMemoryStore()
	p := scan.DefaultPreferences()
	p.AdaptiveFeedbackEnabled = false
	require.NoError(t, store.Save(context.Background(), p))
	c = scan.Collector{}
	e = NewEngine(Opts{Notifier: &c, Store: store})
	d := e.HandleScanFailure(scan.ErrKindPoorLighting, FailureContext{})
	require.Empty(t, c.Suggestions)
	require.NotEmpty(t, d.Suggestion.Message)
}

func TestEngine_successResetsStreak(t *testing.T) {
	e := NewEngine(Opts{})
	e.HandleScanFailure(scan.ErrKindNetwork, FailureContext{})
	e.HandleScanFailure(scan.ErrKindNetwork, FailureContext{})
	require.Equal(t, 2, e.Preferences().RetryCount)
	e.RecordScanAttempt(true, time.Second, scan.LightingNormal, scan.ErrKindNone)
	require.Equal(t, 0, e.Preferences().RetryCount)
}

func TestEngine_learning(t *testing.T) {
	e := NewEngine(Opts{})
	e.RecordScanAttempt(true, time.Second, scan.LightingNormal, scan.ErrKindNone)
	require.Equal(t, 900, e.Preferences().PreferredRetryDelayMs)

	e.RecordScanAttempt(true, 4*time.Second, scan.LightingNormal, scan.ErrKindNone)
	e.RecordScanAttempt(true, time.Second, scan.LightingDim, scan.ErrKindNone)
	require.Equal(t, 900, e.Preferences().PreferredRetryDelayMs)

	for i := 0; i < 20; i++ {
		e.RecordScanAttempt(true, time.Second, scan.LightingGood, scan.ErrKindNone)
	}
	require.Equal(t, 500, e.Preferences().PreferredRetryDelayMs)

	store := prefstore.NewMemoryStore()
	p := scan.DefaultPreferences()
	p.LearningEnabled = false
	require.NoError(t, store.Save(context.Background(), p))
	opt := new(fakeOptimizer)
	e = NewEngine(Opts{Store: store, Optimizer: opt})
	e.RecordScanAttempt(true, time.Second, scan.LightingNormal, scan.ErrKindNone)
	e.RecordScanAttempt(false, time.Second, scan.LightingDark, scan.ErrKindPoorLighting)
	require.Equal(t, 1000, e.Preferences().PreferredRetryDelayMs)
	require.Empty(t, opt.calls)
}

func TestEngine_persistence(t *testing.T) {
	store := prefstore.NewMemoryStore()
	e := NewEngine(Opts{Store: store})
	e.RecordScanAttempt(true, time.Second, scan.LightingBright, scan.ErrKindNone)
	e.HandleScanFailure(scan.ErrKindNetwork, FailureContext{})

	e2 := NewEngine(Opts{Store: store})
	require.Equal(t, scan.Preferences{
		RetryCount:              1,
		PreferredRetryDelayMs:   900,
		AdaptiveFeedbackEnabled: true,
		LearningEnabled:         true,
	}, e2.Preferences())

	store.SetRaw([]byte("not json"))
	e3 := NewEngine(Opts{Store: store})
	require.Equal(t, scan.DefaultPreferences(), e3.Preferences())

	e4 := NewEngine(Opts{Store: brokenStore{}})
	require.Equal(t, scan.DefaultPreferences(), e4.Preferences())
	d := e4.HandleScanFailure(scan.ErrKindPoorLighting, FailureContext{})
	require.True(t, d.ShouldRetry)
}

func TestEngine_historyBound(t *testing.T) {
	e := NewEngine(Opts{})
	for i := 0; i < 60; i++ {
		e.RecordScanAttempt(i%2 == 0, time.Duration(i)*time.Millisecond, scan.LightingNormal, scan.ErrKindQRNotDetected)
	}
	h := e.History()
	require.Len(t, h, 50)
	require.Equal(t, int64(10), h[0].DurationMs)
	require.Equal(t, int64(59), h[49].DurationMs)
}

func TestEngine_ResetLearning(t *testing.T) {
	store := prefstore.NewMemoryStore()
	e := NewEngine(Opts{Store: store})
	e.HandleScanFailure(scan.ErrKindNetwork, FailureContext{})
	e.ResetLearning()
	require.Empty(t, e.History())
	require.Equal(t, 0, e.GetAnalytics().ScanAttempts)
	p, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, p.RetryCount)
}
