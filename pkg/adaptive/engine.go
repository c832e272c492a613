package adaptive

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/scanx/pkg/prefstore"
	"github.com/pmkol/scanx/pkg/scan"
	"github.com/pmkol/scanx/pkg/utils"
)

// Escalating actions (auto torch, lower resolution) start at this
// zero based retry index, i.e. on the second consecutive failure.
const escalateAtRetry = 1

const defaultSaveTimeout = 2 * time.Second

// LightingOptimizer is the part of the device optimizer the engine drives.
type LightingOptimizer interface {
	OptimizeForLighting(condition scan.Lighting) scan.Settings
}

type Opts struct {
	// Store persists preferences. Default is an in-memory store.
	Store prefstore.Store

	// Optimizer is told to prepare for darkness after a lighting failure.
	// Optional.
	Optimizer LightingOptimizer

	Notifier scan.Notifier
	Tunables Tunables

	// SaveTimeout bounds every Store call. Default is 2s.
	SaveTimeout time.Duration

	Clock  utils.Clock
	Logger *zap.Logger
}

func (o *Opts) init() {
	if o.Store == nil {
		o.Store = prefstore.NewMemoryStore()
	}
	if o.Notifier == nil {
		o.Notifier = scan.NopNotifier
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	utils.SetDefaultNum(&o.SaveTimeout, defaultSaveTimeout)
	o.Tunables.Init()
}

// FailureContext describes the attempt that just failed.
type FailureContext struct {
	StartedAt time.Time
	Lighting  scan.Lighting
}

// Decision tells the caller whether and when to try again.
type Decision struct {
	ShouldRetry bool            `json:"should_retry"`
	RetryDelay  time.Duration   `json:"retry_delay"`
	Actions     []scan.Action   `json:"adaptive_actions"`
	Suggestion  scan.Suggestion `json:"suggestion"`
}

// Engine decides retries for failed scans and learns retry delays from
// the recorded history. It is safe for concurrent use.
type Engine struct {
	opts Opts
	t    *Tunables

	mu      sync.Mutex
	history []scan.ScanAttempt
	prefs   scan.Preferences
}

// NewEngine loads the stored preferences. Load failures are logged and
// the defaults apply.
func NewEngine(opts Opts) *Engine {
	opts.init()
	e := &Engine{opts: opts}
	e.t = &e.opts.Tunables

	ctx, cancel := context.WithTimeout(context.Background(), opts.SaveTimeout)
	defer cancel()
	p, err := opts.Store.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, prefstore.ErrNotFound):
		p = scan.DefaultPreferences()
	default:
		opts.Logger.Warn("failed to load preferences, using defaults", zap.Error(err))
		p = scan.DefaultPreferences()
	}
	e.prefs = p
	return e
}

// Preferences returns a copy of the current preferences.
func (e *Engine) Preferences() scan.Preferences {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prefs
}

// SetPreferences replaces the preferences without saving them. Used when
// the store was changed by someone else.
func (e *Engine) SetPreferences(p scan.Preferences) {
	e.mu.Lock()
	e.prefs = p
	e.mu.Unlock()
}

// HandleScanFailure records a failed attempt of the given kind and
// decides whether to retry. After MaxRetries consecutive failures the
// retry counter is reset and the caller should fall back to manual input.
func (e *Engine) HandleScanFailure(kind scan.ErrorKind, fc FailureContext) Decision {
	now := e.opts.Clock.Now()
	var d time.Duration
	if !fc.StartedAt.IsZero() {
		d = now.Sub(fc.StartedAt)
	}

	e.mu.Lock()
	darkHint := e.recordLocked(now, false, d, fc.Lighting, kind)

	retry := e.prefs.RetryCount
	e.prefs.RetryCount++
	var dec Decision
	if retry >= e.t.MaxRetries {
		e.prefs.RetryCount = 0
		dec = Decision{
			Actions:    []scan.Action{scan.ActionShowManualInput, scan.ActionProvideGuidance},
			Suggestion: scan.Suggestion{Action: scan.ActionShowManualInput, Message: "Scanning is not working out, enter the code manually"},
		}
	} else {
		dec = Decision{
			ShouldRetry: true,
			RetryDelay:  e.delayLocked(kind, retry),
			Actions:     actionsFor(kind, retry),
			Suggestion:  feedbackFor(kind, retry),
		}
	}
	feedback := e.prefs.AdaptiveFeedbackEnabled
	e.saveLocked()
	e.mu.Unlock()

	e.opts.Logger.Debug(
		"scan failure handled",
		zap.String("kind", string(kind)),
		zap.Int("retry", retry),
		zap.Bool("retry_again", dec.ShouldRetry),
		zap.Duration("delay", dec.RetryDelay),
	)
	if darkHint {
		e.prepareForDark()
	}
	if feedback {
		e.opts.Notifier.Notify(dec.Suggestion)
	}
	return dec
}

// RecordScanAttempt appends a finished attempt to the history and runs
// the learning update. A success also ends the current retry streak.
func (e *Engine) RecordScanAttempt(success bool, d time.Duration, lighting scan.Lighting, kind scan.ErrorKind) {
	now := e.opts.Clock.Now()
	e.mu.Lock()
	if success {
		e.prefs.RetryCount = 0
	}
	darkHint := e.recordLocked(now, success, d, lighting, kind)
	e.saveLocked()
	e.mu.Unlock()

	if darkHint {
		e.prepareForDark()
	}
}

// ResetRetries ends the current retry streak, e.g. when a session gives
// up because its time budget ran out.
func (e *Engine) ResetRetries() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.prefs.RetryCount == 0 {
		return
	}
	e.prefs.RetryCount = 0
	e.saveLocked()
}

// ResetLearning clears the history and the retry counter.
func (e *Engine) ResetLearning() {
	e.mu.Lock()
	e.history = nil
	e.prefs.RetryCount = 0
	e.saveLocked()
	e.mu.Unlock()
	e.opts.Notifier.Notify(scan.Suggestion{Action: scan.ActionGeneral, Message: "Learning data reset successfully"})
}

// History returns a copy of the recorded attempts, oldest first.
func (e *Engine) History() []scan.ScanAttempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]scan.ScanAttempt(nil), e.history...)
}

// recordLocked reports whether the optimizer should prepare for darkness.
func (e *Engine) recordLocked(now time.Time, success bool, d time.Duration, lighting scan.Lighting, kind scan.ErrorKind) bool {
	a := scan.ScanAttempt{
		Timestamp:  now,
		Success:    success,
		DurationMs: d.Milliseconds(),
		Lighting:   lighting,
	}
	if !success {
		a.ErrorKind = kind
	}
	e.history = append(e.history, a)
	if over := len(e.history) - e.t.HistorySize; over > 0 {
		e.history = append(e.history[:0], e.history[over:]...)
	}

	if !e.prefs.LearningEnabled {
		return false
	}
	switch {
	case success && d < utils.Ms(e.t.FastSuccessMs):
		if lighting.IsGood() {
			e.prefs.PreferredRetryDelayMs = max(e.t.MinRetryDelayMs, e.prefs.PreferredRetryDelayMs-e.t.DelayStepMs)
		}
	case !success && kind == scan.ErrKindPoorLighting:
		return true
	}
	return false
}

func (e *Engine) delayLocked(kind scan.ErrorKind, retry int) time.Duration {
	base, ok := e.t.BaseDelaysMs[kind]
	if !ok {
		base = e.prefs.PreferredRetryDelayMs
	}
	return calculateDelay(base, retry, e.t.BackoffMultiplier, e.t.MaxDelayMs)
}

// calculateDelay returns min(maxMs, base*multiplier^retry) milliseconds.
func calculateDelay(baseMs, retry int, multiplier float64, maxMs int) time.Duration {
	ms := float64(baseMs) * math.Pow(multiplier, float64(retry))
	ms = math.Min(float64(maxMs), ms)
	return time.Duration(ms * float64(time.Millisecond))
}

func (e *Engine) saveLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.SaveTimeout)
	defer cancel()
	if err := e.opts.Store.Save(ctx, e.prefs); err != nil {
		e.opts.Logger.Warn("failed to save preferences", zap.Error(err))
	}
}

func (e *Engine) prepareForDark() {
	if e.opts.Optimizer != nil {
		e.opts.Optimizer.OptimizeForLighting(scan.LightingDark)
	}
}

func actionsFor(kind scan.ErrorKind, retry int) []scan.Action {
	switch kind {
	case scan.ErrKindCameraPermission:
		return []scan.Action{scan.ActionRequestPermission, scan.ActionShowPermissionHelp}
	case scan.ErrKindPoorLighting:
		a := []scan.Action{scan.ActionSuggestTorch, scan.ActionAdjustLighting}
		if retry >= escalateAtRetry {
			a = append(a, scan.ActionAutoEnableTorch)
		}
		return a
	case scan.ErrKindQRNotDetected:
		a := []scan.Action{scan.ActionAdjustFocus, scan.ActionStabilize}
		if retry >= escalateAtRetry {
			a = append(a, scan.ActionReduceResolution)
		}
		return a
	default:
		return []scan.Action{scan.ActionGeneral}
	}
}

var feedbackMessages = map[scan.ErrorKind][]scan.Suggestion{
	scan.ErrKindPoorLighting: {
		{Action: scan.ActionAdjustLighting, Message: "Try moving to a brighter area"},
		{Action: scan.ActionSuggestTorch, Message: "Consider enabling the flashlight"},
		{Action: scan.ActionAutoEnableTorch, Message: "Lighting seems challenging, enabling auto-torch"},
	},
	scan.ErrKindQRNotDetected: {
		{Action: scan.ActionStabilize, Message: "Hold the camera steady"},
		{Action: scan.ActionAdjustFocus, Message: "Move closer to the QR code"},
		{Action: scan.ActionAdjustFocus, Message: "Adjusting focus for better detection"},
	},
	scan.ErrKindCameraPermission: {
		{Action: scan.ActionRequestPermission, Message: "Camera access is needed for scanning"},
		{Action: scan.ActionRequestPermission, Message: "Please allow camera permission"},
		{Action: scan.ActionShowPermissionHelp, Message: "Check your browser settings for camera access"},
	},
}

func feedbackFor(kind scan.ErrorKind, retry int) scan.Suggestion {
	msgs, ok := feedbackMessages[kind]
	if !ok {
		return scan.Suggestion{Action: scan.ActionGeneral, Message: "Optimizing scanner settings..."}
	}
	return msgs[min(retry, len(msgs)-1)]
}
