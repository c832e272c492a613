package adaptive

import (
	"maps"

	"github.com/pmkol/scanx/pkg/scan"
	"github.com/pmkol/scanx/pkg/utils"
)

// Tunables are the engine's weights and windows. Zero values are replaced
// by their defaults in Init.
type Tunables struct {
	MaxRetries        int     `yaml:"max_retries"`
	HistorySize       int     `yaml:"history_size"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxDelayMs        int     `yaml:"max_delay_ms"`

	// BaseDelaysMs maps an error kind to its first retry delay. Kinds
	// without an entry use the learned preferred retry delay.
	BaseDelaysMs map[scan.ErrorKind]int `yaml:"base_delays_ms"`

	QualityWeight     float64 `yaml:"quality_weight"`
	HistoryWeight     float64 `yaml:"history_weight"`
	DefaultSuccess    float64 `yaml:"default_success_rate"`
	PredictionWindow  int     `yaml:"prediction_window"`
	AnalyticsWindow   int     `yaml:"analytics_window"`
	PatternWindow     int     `yaml:"pattern_window"`
	FastSuccessMs     int     `yaml:"fast_success_ms"`
	DelayStepMs       int     `yaml:"delay_step_ms"`
	MinRetryDelayMs   int     `yaml:"min_retry_delay_ms"`
	ManualThreshold   float64 `yaml:"manual_verify_threshold"`
	StruggleThreshold float64 `yaml:"struggle_threshold"`
}

// DefaultBaseDelaysMs returns the per-kind first retry delays.
func DefaultBaseDelaysMs() map[scan.ErrorKind]int {
	return map[scan.ErrorKind]int{
		scan.ErrKindCameraPermission: 2000,
		scan.ErrKindPoorLighting:     1000,
		scan.ErrKindQRNotDetected:    1500,
	}
}

func (t *Tunables) Init() {
	utils.SetDefaultNum(&t.MaxRetries, 3)
	utils.SetDefaultNum(&t.HistorySize, 50)
	utils.SetDefaultNum(&t.BackoffMultiplier, 1.5)
	utils.SetDefaultNum(&t.MaxDelayMs, 5000)
	if t.BaseDelaysMs == nil {
		t.BaseDelaysMs = DefaultBaseDelaysMs()
	} else {
		t.BaseDelaysMs = maps.Clone(t.BaseDelaysMs)
	}
	utils.SetDefaultNum(&t.QualityWeight, 0.6)
	utils.SetDefaultNum(&t.HistoryWeight, 0.4)
	utils.SetDefaultNum(&t.DefaultSuccess, 0.8)
	utils.SetDefaultNum(&t.PredictionWindow, 10)
	utils.SetDefaultNum(&t.AnalyticsWindow, 20)
	utils.SetDefaultNum(&t.PatternWindow, 10)
	utils.SetDefaultNum(&t.FastSuccessMs, 3000)
	utils.SetDefaultNum(&t.DelayStepMs, 100)
	utils.SetDefaultNum(&t.MinRetryDelayMs, 500)
	utils.SetDefaultNum(&t.ManualThreshold, 0.7)
	utils.SetDefaultNum(&t.StruggleThreshold, 0.5)
}
