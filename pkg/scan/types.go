package scan

import (
	"time"
)

// Method tells which stage produced a ScanResult.
type Method string

const (
	MethodLocal  Method = "local"
	MethodRemote Method = "remote"
	MethodManual Method = "manual"
)

// Lighting is a coarse ambient light classification.
type Lighting string

const (
	LightingBright  Lighting = "bright"
	LightingNormal  Lighting = "normal"
	LightingDim     Lighting = "dim"
	LightingDark    Lighting = "dark"
	LightingUnknown Lighting = "unknown"

	// LightingGood is accepted as an alias reported by older clients.
	LightingGood Lighting = "good"
)

// IsGood reports whether l is good enough for a fast scan.
func (l Lighting) IsGood() bool {
	switch l {
	case LightingBright, LightingNormal, LightingGood:
		return true
	}
	return false
}

// IsPoor reports whether l warrants a torch.
func (l Lighting) IsPoor() bool {
	return l == LightingDim || l == LightingDark
}

type Camera string

const (
	CameraBack  Camera = "back"
	CameraFront Camera = "front"
)

type ResolutionTier string

const (
	ResolutionLow    ResolutionTier = "low"
	ResolutionMedium ResolutionTier = "medium"
	ResolutionHigh   ResolutionTier = "high"
)

// Lower returns the next lower tier. Low stays low.
func (r ResolutionTier) Lower() ResolutionTier {
	switch r {
	case ResolutionHigh:
		return ResolutionMedium
	default:
		return ResolutionLow
	}
}

// Dimensions returns the capture width and height of r.
func (r ResolutionTier) Dimensions() (width, height int) {
	switch r {
	case ResolutionHigh:
		return 1920, 1080
	case ResolutionMedium:
		return 1280, 720
	default:
		return 640, 480
	}
}

// Frame is one captured video frame. DecodedText is set when the on-device
// decoder already found a payload. DecoderConfidence is the decoder's own
// estimate in [0,1]; zero means the decoder did not report one.
type Frame struct {
	Image             []byte    `json:"image,omitempty"`
	DecodedText       string    `json:"decoded_text,omitempty"`
	DecoderConfidence float64   `json:"decoder_confidence,omitempty"`
	CapturedAt        time.Time `json:"captured_at,omitempty"`
}

// ScanAttempt is an immutable record of one finished attempt.
type ScanAttempt struct {
	Timestamp  time.Time `json:"timestamp"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms"`
	Lighting   Lighting  `json:"lighting_condition"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
}

// ScanResult is produced once per scan attempt. A failed result with
// ShouldRetry set asks the caller to capture another frame after
// RetryDelayMs; otherwise it should prompt for manual entry.
type ScanResult struct {
	Success          bool         `json:"success"`
	Code             string       `json:"code,omitempty"`
	Confidence       float64      `json:"confidence"`
	Method           Method       `json:"method"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	FromCache        bool         `json:"from_cache"`
	Timestamp        time.Time    `json:"timestamp"`
	Validation       *Analysis    `json:"validation,omitempty"`
	ErrorKind        ErrorKind    `json:"error_kind,omitempty"`
	ShouldRetry      bool         `json:"should_retry,omitempty"`
	RetryDelayMs     int64        `json:"retry_delay_ms,omitempty"`
	Actions          []Action     `json:"adaptive_actions,omitempty"`
	Suggestions      []Suggestion `json:"suggestions,omitempty"`
}

// Settings are the capture settings shared by one session.
type Settings struct {
	PreferredCamera Camera         `json:"preferred_camera" yaml:"preferred_camera"`
	ResolutionTier  ResolutionTier `json:"resolution_tier" yaml:"resolution_tier"`
	FrameRate       int            `json:"frame_rate" yaml:"frame_rate"`
	TorchEnabled    bool           `json:"torch_enabled" yaml:"torch_enabled"`
	AutoFocus       bool           `json:"auto_focus" yaml:"auto_focus"`
}

// DefaultSettings are the settings a session starts with.
func DefaultSettings() Settings {
	return Settings{
		PreferredCamera: CameraBack,
		ResolutionTier:  ResolutionMedium,
		FrameRate:       30,
		AutoFocus:       true,
	}
}

// Preferences survive process restarts. Unknown fields in a stored blob
// are ignored and missing ones keep their defaults.
type Preferences struct {
	RetryCount              int  `json:"retryCount" yaml:"retry_count"`
	PreferredRetryDelayMs   int  `json:"preferredRetryDelayMs" yaml:"preferred_retry_delay_ms"`
	AdaptiveFeedbackEnabled bool `json:"adaptiveFeedbackEnabled" yaml:"adaptive_feedback_enabled"`
	LearningEnabled         bool `json:"learningEnabled" yaml:"learning_enabled"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		PreferredRetryDelayMs:   1000,
		AdaptiveFeedbackEnabled: true,
		LearningEnabled:         true,
	}
}

// EnvironmentReading is recomputed on demand and never persisted.
type EnvironmentReading struct {
	Lighting       Lighting `json:"lighting_level"`
	StabilityScore float64  `json:"stability_score"`
	FromSensor     bool     `json:"from_sensor"`
}
