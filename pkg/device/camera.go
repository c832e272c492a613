package device

import (
	"context"

	"github.com/pmkol/scanx/pkg/scan"
)

// Capabilities is what the camera device reports about itself.
type Capabilities struct {
	HasBackCamera       bool  `json:"has_back_camera" yaml:"has_back_camera"`
	HasFrontCamera      bool  `json:"has_front_camera" yaml:"has_front_camera"`
	HasTorch            bool  `json:"has_torch" yaml:"has_torch"`
	MaxWidth            int   `json:"max_width" yaml:"max_width"`
	MaxHeight           int   `json:"max_height" yaml:"max_height"`
	SupportedFrameRates []int `json:"supported_frame_rates" yaml:"supported_frame_rates"`
}

// SafeCapabilities is assumed whenever detection fails.
func SafeCapabilities() Capabilities {
	w, h := scan.ResolutionLow.Dimensions()
	return Capabilities{
		HasBackCamera:       true,
		MaxWidth:            w,
		MaxHeight:           h,
		SupportedFrameRates: []int{15},
	}
}

// Constraints is the capture request sent to the camera device.
type Constraints struct {
	FacingMode string `json:"facing_mode"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FrameRate  int    `json:"frame_rate"`
	Torch      bool   `json:"torch"`
	FocusMode  string `json:"focus_mode"`
}

// FrameSource yields captured frames one at a time.
type FrameSource interface {
	NextFrame(ctx context.Context) (scan.Frame, error)
}

// Camera is the external camera device. None of its calls is assumed to
// succeed.
type Camera interface {
	Capabilities(ctx context.Context) (Capabilities, error)
	StartCapture(ctx context.Context, c Constraints) (FrameSource, error)
	ApplyConstraints(ctx context.Context, c Constraints) error
	StopCapture() error
}
