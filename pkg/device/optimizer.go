package device

import (
	"context"
	"runtime"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/pmkol/scanx/pkg/scan"
)

const lowEndFrameRate = 15

// HostInfo describes the machine running the scanner.
type HostInfo struct {
	// MemoryGB is 0 when it cannot be queried.
	MemoryGB float64 `json:"memory_gb" yaml:"memory_gb"`
	CPUs     int     `json:"cpus" yaml:"cpus"`
}

// DetectHost queries the memory and cpu count of this machine.
func DetectHost() HostInfo {
	return HostInfo{MemoryGB: totalMemoryGB(), CPUs: runtime.NumCPU()}
}

// LowEnd reports whether the host should capture at the lowest tier.
func (h HostInfo) LowEnd() bool {
	return (h.MemoryGB > 0 && h.MemoryGB < 2) || (h.CPUs > 0 && h.CPUs < 4)
}

type Opts struct {
	// Camera may be nil, in which case safe capabilities are assumed.
	Camera Camera

	// Host overrides host detection.
	Host *HostInfo

	// Notifier receives user facing suggestions. Optional.
	Notifier scan.Notifier

	Logger *zap.Logger
}

// Optimizer owns the settings of the active session. It is the only
// writer of those settings besides the adaptive engine, which goes
// through OptimizeForLighting.
type Optimizer struct {
	opts Opts
	host HostInfo

	mu        sync.Mutex
	caps      Capabilities
	capsKnown bool
	settings  scan.Settings
}

func NewOptimizer(opts Opts) *Optimizer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = scan.NopNotifier
	}
	o := &Optimizer{opts: opts, settings: scan.DefaultSettings()}
	if opts.Host != nil {
		o.host = *opts.Host
	} else {
		o.host = DetectHost()
	}
	return o
}

func (o *Optimizer) Host() HostInfo {
	return o.host
}

// DetectDeviceCapabilities asks the camera for its capabilities. Any
// failure yields SafeCapabilities.
func (o *Optimizer) DetectDeviceCapabilities(ctx context.Context) Capabilities {
	caps := SafeCapabilities()
	if cam := o.opts.Camera; cam != nil {
		c, err := cam.Capabilities(ctx)
		if err != nil {
			o.opts.Logger.Warn("camera capability detection failed, using safe defaults", zap.Error(err))
		} else {
			caps = c
		}
	}

	o.mu.Lock()
	o.caps = caps
	o.capsKnown = true
	o.mu.Unlock()
	return caps
}

// OptimizeForDevice derives session settings from the device and host
// capabilities and makes them current.
func (o *Optimizer) OptimizeForDevice(ctx context.Context) scan.Settings {
	caps := o.DetectDeviceCapabilities(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.settings

	switch {
	case caps.HasBackCamera:
		s.PreferredCamera = scan.CameraBack
	case caps.HasFrontCamera:
		s.PreferredCamera = scan.CameraFront
	default:
		s.PreferredCamera = scan.CameraBack
	}

	if o.host.LowEnd() {
		s.ResolutionTier = scan.ResolutionLow
		s.FrameRate = lowEndFrameRate
	} else {
		s.ResolutionTier = tierFor(caps)
		s.FrameRate = frameRateFor(caps)
	}
	if !caps.HasTorch {
		s.TorchEnabled = false
	}

	o.settings = s
	o.opts.Logger.Debug("settings optimized for device",
		zap.String("camera", string(s.PreferredCamera)),
		zap.String("resolution", string(s.ResolutionTier)),
		zap.Int("frame_rate", s.FrameRate),
		zap.Bool("low_end", o.host.LowEnd()))
	return s
}

func tierFor(caps Capabilities) scan.ResolutionTier {
	for _, t := range []scan.ResolutionTier{scan.ResolutionHigh, scan.ResolutionMedium} {
		w, h := t.Dimensions()
		if caps.MaxWidth >= w && caps.MaxHeight >= h {
			return t
		}
	}
	return scan.ResolutionLow
}

func frameRateFor(caps Capabilities) int {
	const preferred = 30
	if len(caps.SupportedFrameRates) == 0 {
		return preferred
	}
	best := 0
	for _, fr := range caps.SupportedFrameRates {
		if fr <= preferred && fr > best {
			best = fr
		}
	}
	if best == 0 {
		best = slices.Min(caps.SupportedFrameRates)
	}
	return best
}

// OptimizeForLighting adapts the torch to condition. Dark enables the
// torch, bright disables it, anything else is a no-op.
func (o *Optimizer) OptimizeForLighting(condition scan.Lighting) scan.Settings {
	var sg scan.Suggestion

	o.mu.Lock()
	switch condition {
	case scan.LightingDark:
		if !o.capsKnown || o.caps.HasTorch {
			o.settings.TorchEnabled = true
			sg = scan.Suggestion{Action: scan.ActionAutoEnableTorch, Message: "Low light detected, turning on the flashlight"}
		} else {
			sg = scan.Suggestion{Action: scan.ActionAdjustLighting, Message: "Low light detected, move to a brighter area"}
		}
	case scan.LightingBright:
		o.settings.TorchEnabled = false
		sg = scan.Suggestion{Action: scan.ActionOptimizeExposure, Message: "Bright light detected, optimizing exposure"}
	}
	s := o.settings
	o.mu.Unlock()

	if len(sg.Action) > 0 {
		o.opts.Notifier.Notify(sg)
	}
	return s
}

// ApplyRecommendation makes s current. The torch stays off on devices
// without one.
func (o *Optimizer) ApplyRecommendation(s scan.Settings) scan.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.capsKnown && !o.caps.HasTorch {
		s.TorchEnabled = false
	}
	o.settings = s
	return s
}

// ReduceResolution lowers the resolution tier one step.
func (o *Optimizer) ReduceResolution() scan.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings.ResolutionTier = o.settings.ResolutionTier.Lower()
	return o.settings
}

// Settings returns a copy of the current settings.
func (o *Optimizer) Settings() scan.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// Reset restores the default settings, e.g. at session end.
func (o *Optimizer) Reset() {
	o.mu.Lock()
	o.settings = scan.DefaultSettings()
	o.mu.Unlock()
}

// GetConstraints converts the current settings into a capture request.
func (o *Optimizer) GetConstraints() Constraints {
	s := o.Settings()
	w, h := s.ResolutionTier.Dimensions()
	c := Constraints{
		FacingMode: "environment",
		Width:      w,
		Height:     h,
		FrameRate:  s.FrameRate,
		Torch:      s.TorchEnabled,
		FocusMode:  "manual",
	}
	if s.PreferredCamera == scan.CameraFront {
		c.FacingMode = "user"
	}
	if s.AutoFocus {
		c.FocusMode = "continuous"
	}
	return c
}

// Apply pushes the current constraints to the camera. Failures are
// logged only.
func (o *Optimizer) Apply(ctx context.Context) {
	cam := o.opts.Camera
	if cam == nil {
		return
	}
	if err := cam.ApplyConstraints(ctx, o.GetConstraints()); err != nil {
		o.opts.Logger.Warn("failed to apply camera constraints", zap.Error(err))
	}
}
