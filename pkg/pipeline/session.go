package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pmkol/scanx/pkg/adaptive"
	"github.com/pmkol/scanx/pkg/device"
	"github.com/pmkol/scanx/pkg/environment"
	"github.com/pmkol/scanx/pkg/pool"
	"github.com/pmkol/scanx/pkg/scan"
	"github.com/pmkol/scanx/pkg/telemetry"
	"github.com/pmkol/scanx/pkg/utils"
)

var ErrSessionStopped = errors.New("session stopped")

// State of a scan session.
type State string

const (
	StateIdle       State = "idle"
	StateAttempting State = "attempting"
	StateRetrying   State = "retrying"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted"
	StateStopped    State = "stopped"
)

const defaultStopFlushTimeout = 3 * time.Second

type SessionOpts struct {
	// Camera is required.
	Camera device.Camera

	// Optimizer owns the capture settings. Default is a new optimizer
	// for Camera.
	Optimizer *device.Optimizer

	// Analyzer is optional. Without one the lighting is unknown.
	Analyzer *environment.Analyzer

	Telemetry *telemetry.Aggregator
	Notifier  scan.Notifier
	Clock     utils.Clock
	Logger    *zap.Logger
}

// Session consumes frames from one camera, one at a time, until a frame
// resolves or the engine gives up.
type Session struct {
	id   string
	p    *Pipeline
	opts SessionOpts

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	src      device.FrameSource
	lighting scan.Lighting
	stopped  bool
}

func NewSession(p *Pipeline, opts SessionOpts) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = scan.NopNotifier
	}
	if opts.Optimizer == nil {
		opts.Optimizer = device.NewOptimizer(device.Opts{Camera: opts.Camera, Notifier: opts.Notifier, Logger: opts.Logger})
	}
	id := uuid.NewString()
	opts.Logger = opts.Logger.With(zap.String("session", id))
	return &Session{
		id:       id,
		p:        p,
		opts:     opts,
		state:    StateIdle,
		lighting: scan.LightingUnknown,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Lighting() scan.Lighting {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lighting
}

// Start tunes the capture settings to the device and the environment and
// starts the camera.
func (s *Session) Start(ctx context.Context) error {
	o := s.opts.Optimizer
	settings := o.OptimizeForDevice(ctx)

	lighting := scan.LightingUnknown
	if a := s.opts.Analyzer; a != nil {
		reading := a.Analyze(ctx)
		lighting = reading.Lighting
		rec := environment.Recommend(reading, settings)
		o.ApplyRecommendation(rec.Settings)
		for _, sg := range rec.Suggestions {
			s.opts.Notifier.Notify(sg)
		}
		o.OptimizeForLighting(lighting)
	}

	src, err := s.opts.Camera.StartCapture(ctx, o.GetConstraints())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.opts.Camera.StopCapture()
		return ErrSessionStopped
	}
	s.src = src
	s.lighting = lighting
	s.opts.Logger.Info("scan session started", zap.String("lighting", string(lighting)), zap.Any("settings", o.Settings()))
	return nil
}

// Run captures and processes frames until one resolves, the engine asks
// for manual entry, ctx is done or Stop is called. Camera failures go
// through the same retry decisions as failed frames.
func (s *Session) Run(ctx context.Context) (scan.ScanResult, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return scan.ScanResult{Method: scan.MethodManual}, ErrSessionStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	for {
		s.setState(StateAttempting)
		res, err := s.attempt(ctx)
		if err != nil {
			return res, s.runErr(err)
		}
		if res.Success {
			s.setState(StateSucceeded)
			return res, nil
		}
		if !res.ShouldRetry {
			s.setState(StateExhausted)
			return res, nil
		}

		s.setState(StateRetrying)
		t := pool.GetTimer(time.Duration(res.RetryDelayMs) * time.Millisecond)
		select {
		case <-ctx.Done():
			pool.ReleaseTimer(t)
			return res, s.runErr(ctx.Err())
		case <-t.C:
			pool.ReleaseTimer(t)
		}
	}
}

// attempt processes one frame. A non nil error means the session was
// cancelled.
func (s *Session) attempt(ctx context.Context) (scan.ScanResult, error) {
	start := s.opts.Clock.Now()

	s.mu.Lock()
	src := s.src
	s.mu.Unlock()
	if src == nil {
		if err := s.Start(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSessionStopped) {
				return scan.ScanResult{Method: scan.MethodManual}, err
			}
			return s.deviceFailure(ctx, err, start), nil
		}
		s.mu.Lock()
		src = s.src
		s.mu.Unlock()
	}

	f, err := src.NextFrame(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return scan.ScanResult{Method: scan.MethodManual}, ctx.Err()
		}
		// Restart the capture on the next attempt.
		s.mu.Lock()
		s.src = nil
		s.mu.Unlock()
		s.opts.Camera.StopCapture()
		return s.deviceFailure(ctx, err, start), nil
	}

	res := s.p.ProcessFrame(ctx, f, s.Lighting())
	return res, ctx.Err()
}

func (s *Session) deviceFailure(ctx context.Context, err error, start time.Time) scan.ScanResult {
	kind := scan.ClassifyError(err)
	s.opts.Logger.Warn("camera failure", zap.String("kind", string(kind)), zap.Error(err))
	s.opts.Telemetry.TrackScanAttempt(s.Lighting())
	dec := s.p.opts.Engine.HandleScanFailure(kind, adaptive.FailureContext{StartedAt: start, Lighting: s.Lighting()})
	return s.p.fail(ctx, kind, dec, start)
}

func (s *Session) runErr(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSessionStopped
	}
	return err
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if !s.stopped {
		s.state = st
	}
	s.mu.Unlock()
}

// Stop aborts any pending remote call or retry timer, releases the camera
// and flushes telemetry. It is safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.state = StateStopped
	cancel := s.cancel
	src := s.src
	s.src = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if src != nil {
		if err := s.opts.Camera.StopCapture(); err != nil {
			s.opts.Logger.Warn("failed to stop capture", zap.Error(err))
		}
	}
	s.opts.Optimizer.Reset()

	ctx, cancelFlush := context.WithTimeout(context.Background(), defaultStopFlushTimeout)
	defer cancelFlush()
	s.opts.Telemetry.Flush(ctx)
	s.opts.Logger.Info("scan session stopped")
}
