package environment

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/scanx/pkg/scan"
)

type luxSensor float64

func (s luxSensor) Illuminance(context.Context) (float64, error) { return float64(s), nil }

type blockingSensor struct{}

func (blockingSensor) Illuminance(ctx context.Context) (float64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

type failingSensor struct{}

func (failingSensor) Illuminance(context.Context) (float64, error) {
	return 0, errors.New("i2c bus error")
}

type fixedStability float64

func (s fixedStability) Stability() float64 { return float64(s) }

func at(hour int) func() time.Time {
	return func() time.Time { return time.Date(2024, 5, 1, hour, 30, 0, 0, time.UTC) }
}

func TestClassify(t *testing.T) {
	tests := []struct {
		lux  float64
		want scan.Lighting
	}{
		{5000, scan.LightingBright},
		{1001, scan.LightingBright},
		{1000, scan.LightingNormal},
		{201, scan.LightingNormal},
		{200, scan.LightingDim},
		{51, scan.LightingDim},
		{50, scan.LightingDark},
		{0, scan.LightingDark},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.lux), "lux %v", tt.lux)
	}
}

func TestAnalyzer_sensor(t *testing.T) {
	a := NewAnalyzer(Opts{Sensor: luxSensor(30), Stability: fixedStability(80), Clock: at(12)})
	r := a.Analyze(context.Background())
	assert.Equal(t, scan.LightingDark, r.Lighting)
	assert.True(t, r.FromSensor)
	assert.Equal(t, 80.0, r.StabilityScore)
}

func TestAnalyzer_timeOfDayFallback(t *testing.T) {
	r := NewAnalyzer(Opts{Clock: at(10)}).Analyze(context.Background())
	assert.Equal(t, scan.LightingNormal, r.Lighting)
	assert.False(t, r.FromSensor)
	assert.Equal(t, 100.0, r.StabilityScore)

	r = NewAnalyzer(Opts{Clock: at(22)}).Analyze(context.Background())
	assert.Equal(t, scan.LightingDim, r.Lighting)

	r = NewAnalyzer(Opts{Sensor: failingSensor{}, Clock: at(3)}).Analyze(context.Background())
	assert.Equal(t, scan.LightingDim, r.Lighting)
}

func TestAnalyzer_sensorTimeout(t *testing.T) {
	a := NewAnalyzer(Opts{Sensor: blockingSensor{}, SensorTimeout: 20 * time.Millisecond, Clock: at(23)})
	start := time.Now()
	r := a.Analyze(context.Background())
	require.Less(t, time.Since(start), time.Second)
	assert.Equal(t, scan.LightingNormal, r.Lighting)
	assert.False(t, r.FromSensor)
}

func TestAnalyzer_stabilityClamped(t *testing.T) {
	r := NewAnalyzer(Opts{Stability: fixedStability(140), Clock: at(12)}).Analyze(context.Background())
	assert.Equal(t, 100.0, r.StabilityScore)
	r = NewAnalyzer(Opts{Stability: fixedStability(-3), Clock: at(12)}).Analyze(context.Background())
	assert.Equal(t, 0.0, r.StabilityScore)
	r = NewAnalyzer(Opts{Stability: fixedStability(math.NaN()), Clock: at(12)}).Analyze(context.Background())
	assert.Equal(t, 0.0, r.StabilityScore)
}

func TestAnalyzer_dayStartsAtMidnight(t *testing.T) {
	opts := Opts{DayStartHour: 0, DayEndHour: 8}
	opts.Clock = at(3)
	assert.Equal(t, scan.LightingNormal, NewAnalyzer(opts).Analyze(context.Background()).Lighting)
	opts.Clock = at(10)
	assert.Equal(t, scan.LightingDim, NewAnalyzer(opts).Analyze(context.Background()).Lighting)
}

func TestRecommend(t *testing.T) {
	cur := scan.DefaultSettings()
	cur.ResolutionTier = scan.ResolutionHigh

	rec := Recommend(scan.EnvironmentReading{Lighting: scan.LightingDim, StabilityScore: 30}, cur)
	assert.True(t, rec.ShouldSuggestTorch)
	assert.True(t, rec.Settings.TorchEnabled)
	assert.True(t, rec.ReduceResolution)
	assert.Equal(t, scan.ResolutionMedium, rec.Settings.ResolutionTier)
	assert.Equal(t, 20, rec.Settings.FrameRate)
	assert.Len(t, rec.Suggestions, 2)

	rec = Recommend(scan.EnvironmentReading{Lighting: scan.LightingBright, StabilityScore: 90}, cur)
	assert.False(t, rec.ShouldSuggestTorch)
	assert.False(t, rec.ReduceResolution)
	assert.Equal(t, cur, rec.Settings)
	assert.Empty(t, rec.Suggestions)
}
