package device

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/scanx/pkg/scan"
)

type fakeCamera struct {
	caps    Capabilities
	err     error
	applied []Constraints
}

func (c *fakeCamera) Capabilities(context.Context) (Capabilities, error) { return c.caps, c.err }
func (c *fakeCamera) StartCapture(context.Context, Constraints) (FrameSource, error) {
	return nil, errors.New("not implemented")
}
func (c *fakeCamera) ApplyConstraints(_ context.Context, cs Constraints) error {
	c.applied = append(c.applied, cs)
	return nil
}
func (c *fakeCamera) StopCapture() error { return nil }

var (
	strongHost = HostInfo{MemoryGB: 8, CPUs: 8}
	fullCaps   = Capabilities{
		HasBackCamera:       true,
		HasFrontCamera:      true,
		HasTorch:            true,
		MaxWidth:            3840,
		MaxHeight:           2160,
		SupportedFrameRates: []int{15, 24, 30, 60},
	}
)

func TestHostInfo_LowEnd(t *testing.T) {
	assert.True(t, HostInfo{MemoryGB: 1, CPUs: 8}.LowEnd())
	assert.True(t, HostInfo{MemoryGB: 8, CPUs: 2}.LowEnd())
	assert.False(t, HostInfo{MemoryGB: 0, CPUs: 4}.LowEnd(), "unknown memory is not low end")
	assert.False(t, strongHost.LowEnd())
}

func TestOptimizer_OptimizeForDevice(t *testing.T) {
	o := NewOptimizer(Opts{Camera: &fakeCamera{caps: fullCaps}, Host: &strongHost})
	s := o.OptimizeForDevice(context.Background())
	assert.Equal(t, scan.CameraBack, s.PreferredCamera)
	assert.Equal(t, scan.ResolutionHigh, s.ResolutionTier)
	assert.Equal(t, 30, s.FrameRate)

	front := Capabilities{HasFrontCamera: true, MaxWidth: 1280, MaxHeight: 720, SupportedFrameRates: []int{60}}
	o = NewOptimizer(Opts{Camera: &fakeCamera{caps: front}, Host: &strongHost})
	s = o.OptimizeForDevice(context.Background())
	assert.Equal(t, scan.CameraFront, s.PreferredCamera)
	assert.Equal(t, scan.ResolutionMedium, s.ResolutionTier)
	assert.Equal(t, 60, s.FrameRate)
	assert.Equal(t, "user", o.GetConstraints().FacingMode)
}

func TestOptimizer_lowEnd(t *testing.T) {
	weak := HostInfo{MemoryGB: 1.5, CPUs: 8}
	o := NewOptimizer(Opts{Camera: &fakeCamera{caps: fullCaps}, Host: &weak})
	s := o.OptimizeForDevice(context.Background())
	assert.Equal(t, scan.ResolutionLow, s.ResolutionTier)
	assert.Equal(t, 15, s.FrameRate)
}

func TestOptimizer_detectionFailure(t *testing.T) {
	o := NewOptimizer(Opts{Camera: &fakeCamera{err: errors.New("NotAllowedError")}, Host: &strongHost})
	caps := o.DetectDeviceCapabilities(context.Background())
	assert.Equal(t, SafeCapabilities(), caps)
	assert.True(t, caps.HasBackCamera)
	assert.False(t, caps.HasTorch)

	s := o.OptimizeForDevice(context.Background())
	assert.Equal(t, scan.ResolutionLow, s.ResolutionTier)
	assert.False(t, s.TorchEnabled)

	nilCam := NewOptimizer(Opts{Host: &strongHost})
	assert.Equal(t, SafeCapabilities(), nilCam.DetectDeviceCapabilities(context.Background()))
}

func TestOptimizer_OptimizeForLighting(t *testing.T) {
	var col scan.Collector
	o := NewOptimizer(Opts{Camera: &fakeCamera{caps: fullCaps}, Host: &strongHost, Notifier: &col})
	o.OptimizeForDevice(context.Background())

	s := o.OptimizeForLighting(scan.LightingDark)
	assert.True(t, s.TorchEnabled)
	require.Len(t, col.Suggestions, 1)
	assert.Equal(t, scan.ActionAutoEnableTorch, col.Suggestions[0].Action)

	s = o.OptimizeForLighting(scan.LightingNormal)
	assert.True(t, s.TorchEnabled, "normal is a no-op")
	assert.Len(t, col.Suggestions, 1)

	s = o.OptimizeForLighting(scan.LightingBright)
	assert.False(t, s.TorchEnabled)
	require.Len(t, col.Suggestions, 2)
	assert.Equal(t, scan.ActionOptimizeExposure, col.Suggestions[1].Action)
}

func TestOptimizer_noTorch(t *testing.T) {
	var col scan.Collector
	caps := fullCaps
	caps.HasTorch = false
	o := NewOptimizer(Opts{Camera: &fakeCamera{caps: caps}, Host: &strongHost, Notifier: &col})
	o.OptimizeForDevice(context.Background())

	s := o.OptimizeForLighting(scan.LightingDark)
	assert.False(t, s.TorchEnabled)
	require.Len(t, col.Suggestions, 1)
	assert.Equal(t, scan.ActionAdjustLighting, col.Suggestions[0].Action)

	want := o.Settings()
	want.TorchEnabled = true
	assert.False(t, o.ApplyRecommendation(want).TorchEnabled)
}

func TestOptimizer_constraints(t *testing.T) {
	cam := &fakeCamera{caps: fullCaps}
	o := NewOptimizer(Opts{Camera: cam, Host: &strongHost})
	o.OptimizeForDevice(context.Background())
	o.ReduceResolution()
	o.Apply(context.Background())

	require.Len(t, cam.applied, 1)
	c := cam.applied[0]
	assert.Equal(t, "environment", c.FacingMode)
	assert.Equal(t, 1280, c.Width)
	assert.Equal(t, 720, c.Height)
	assert.Equal(t, "continuous", c.FocusMode)

	o.Reset()
	assert.Equal(t, scan.DefaultSettings(), o.Settings())
}
