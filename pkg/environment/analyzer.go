package environment

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/scanx/pkg/scan"
	"github.com/pmkol/scanx/pkg/utils"
)

const (
	DefaultSensorTimeout = 2 * time.Second

	brightLux = 1000
	normalLux = 200
	dimLux    = 50

	defaultDayStartHour = 6
	defaultDayEndHour   = 18

	// Below this stability score the resolution is lowered one step.
	steadyThreshold = 50
)

// ErrNoSensor is returned by sensors that are not present on the device.
var ErrNoSensor = errors.New("ambient light sensor not available")

// Sensor reads the ambient illuminance in lux.
type Sensor interface {
	Illuminance(ctx context.Context) (float64, error)
}

// StabilityMeter reports how steady the camera is held, in [0,100].
type StabilityMeter interface {
	Stability() float64
}

type Opts struct {
	// Sensor is optional. Without it the time of day decides.
	Sensor Sensor

	// Stability is optional. Without it the camera is assumed steady.
	Stability StabilityMeter

	// SensorTimeout bounds a sensor read. Default is 2s.
	SensorTimeout time.Duration

	// DayStartHour and DayEndHour delimit daytime for the fallback
	// heuristic. Defaults are 6 and 18, applied only when both are zero
	// so a day starting at midnight can be configured.
	DayStartHour int
	DayEndHour   int

	Clock  utils.Clock
	Logger *zap.Logger
}

// Analyzer classifies lighting and stability and recommends settings.
type Analyzer struct {
	opts Opts
}

func NewAnalyzer(opts Opts) *Analyzer {
	utils.SetDefaultNum(&opts.SensorTimeout, DefaultSensorTimeout)
	if opts.DayStartHour == 0 && opts.DayEndHour == 0 {
		opts.DayStartHour, opts.DayEndHour = defaultDayStartHour, defaultDayEndHour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Analyzer{opts: opts}
}

// Classify maps an illuminance in lux onto a lighting level.
func Classify(lux float64) scan.Lighting {
	switch {
	case lux > brightLux:
		return scan.LightingBright
	case lux > normalLux:
		return scan.LightingNormal
	case lux > dimLux:
		return scan.LightingDim
	default:
		return scan.LightingDark
	}
}

// Analyze returns the current reading. It never blocks longer than the
// sensor timeout; a timed out read yields a normal reading.
func (a *Analyzer) Analyze(ctx context.Context) scan.EnvironmentReading {
	r := scan.EnvironmentReading{
		Lighting:       a.lightingFromClock(),
		StabilityScore: a.stability(),
	}
	if a.opts.Sensor == nil {
		return r
	}

	type sensorRes struct {
		lux float64
		err error
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.SensorTimeout)
	defer cancel()
	c := make(chan sensorRes, 1)
	go func() {
		lux, err := a.opts.Sensor.Illuminance(ctx)
		c <- sensorRes{lux: lux, err: err}
	}()

	var res sensorRes
	select {
	case res = <-c:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	switch {
	case res.err == nil:
		r.Lighting = Classify(res.lux)
		r.FromSensor = true
	case ctx.Err() != nil:
		a.opts.Logger.Warn("ambient light sensor timed out", zap.Duration("timeout", a.opts.SensorTimeout))
		r.Lighting = scan.LightingNormal
	case !errors.Is(res.err, ErrNoSensor):
		a.opts.Logger.Warn("ambient light sensor read failed", zap.Error(res.err))
	}
	return r
}

func (a *Analyzer) lightingFromClock() scan.Lighting {
	h := a.opts.Clock.Now().Hour()
	if h >= a.opts.DayStartHour && h < a.opts.DayEndHour {
		return scan.LightingNormal
	}
	return scan.LightingDim
}

func (a *Analyzer) stability() float64 {
	if a.opts.Stability == nil {
		return 100
	}
	s := a.opts.Stability.Stability()
	switch {
	case math.IsNaN(s), s < 0:
		return 0
	case s > 100:
		return 100
	}
	return s
}

// Recommendation is the settings delta derived from a reading.
type Recommendation struct {
	ShouldSuggestTorch bool              `json:"should_suggest_torch"`
	ReduceResolution   bool              `json:"reduce_resolution"`
	Settings           scan.Settings     `json:"settings"`
	Suggestions        []scan.Suggestion `json:"suggestions,omitempty"`
}

// Recommend derives new settings from r, starting from current.
func Recommend(r scan.EnvironmentReading, current scan.Settings) Recommendation {
	rec := Recommendation{Settings: current}
	if r.Lighting.IsPoor() {
		rec.ShouldSuggestTorch = true
		rec.Settings.TorchEnabled = true
		if rec.Settings.FrameRate > 15 {
			rec.Settings.FrameRate = max(15, rec.Settings.FrameRate-10)
		}
		rec.Suggestions = append(rec.Suggestions, scan.Suggestion{
			Action:  scan.ActionSuggestTorch,
			Message: "Lighting is low, consider enabling the flashlight",
		})
	}
	if r.StabilityScore < steadyThreshold {
		rec.ReduceResolution = true
		rec.Settings.ResolutionTier = current.ResolutionTier.Lower()
		rec.Suggestions = append(rec.Suggestions, scan.Suggestion{
			Action:  scan.ActionStabilize,
			Message: "Hold the camera steady",
		})
	}
	return rec
}
