package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/scanx/pkg/adaptive"
	"github.com/pmkol/scanx/pkg/cache"
	"github.com/pmkol/scanx/pkg/device"
	"github.com/pmkol/scanx/pkg/recognizer"
	"github.com/pmkol/scanx/pkg/scan"
	"github.com/pmkol/scanx/pkg/telemetry"
	"github.com/pmkol/scanx/pkg/utils"
)

const (
	defaultLocalThreshold   = 0.8
	defaultRemoteConfidence = 0.7
	defaultCallTimeout      = 10 * time.Second
)

type Opts struct {
	// Cache is required.
	Cache *cache.ResultCache[scan.ScanResult]

	// Engine is required.
	Engine *adaptive.Engine

	// Recognizer is the remote fallback. Nil disables it.
	Recognizer recognizer.Recognizer

	// Telemetry is optional.
	Telemetry *telemetry.Aggregator

	// Optimizer receives the adaptive actions of failed attempts.
	// Optional.
	Optimizer *device.Optimizer

	// Notifier receives the suggestions of failed attempts. Optional.
	Notifier scan.Notifier

	// LocalThreshold is the minimum confidence to accept a local decode.
	// Default is 0.8.
	LocalThreshold float64

	// RemoteConfidence is assumed when the remote service reports none.
	// Default is 0.7.
	RemoteConfidence float64

	// CallTimeout bounds a single remote call. Default is 10s.
	CallTimeout time.Duration

	// DisableEnhance stops asking the remote service to enhance images.
	DisableEnhance bool

	Clock  utils.Clock
	Logger *zap.Logger
}

func (o *Opts) init() {
	utils.SetDefaultNum(&o.LocalThreshold, defaultLocalThreshold)
	utils.SetDefaultNum(&o.RemoteConfidence, defaultRemoteConfidence)
	utils.SetDefaultNum(&o.CallTimeout, defaultCallTimeout)
	if o.Notifier == nil {
		o.Notifier = scan.NopNotifier
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Pipeline resolves captured frames into scan results. It is safe for
// concurrent use; identical remote requests in flight are merged.
type Pipeline struct {
	opts Opts
	sf   singleflight.Group
}

func NewPipeline(opts Opts) *Pipeline {
	opts.init()
	return &Pipeline{opts: opts}
}

func (p *Pipeline) Engine() *adaptive.Engine {
	return p.opts.Engine
}

// ProcessFrame runs the cache, local validation, remote recognition and
// manual fallback stages in order and stops at the first accepted result.
// Every outcome is reported to telemetry and to the engine's history.
func (p *Pipeline) ProcessFrame(ctx context.Context, f scan.Frame, lighting scan.Lighting) scan.ScanResult {
	start := p.opts.Clock.Now()
	p.opts.Telemetry.TrackScanAttempt(lighting)

	if key := scan.CacheKey(f); len(key) > 0 {
		if r, ok := p.opts.Cache.Get(key); ok {
			r = ownValidation(r)
			r.FromCache = true
			return p.succeed(r, start, lighting)
		}
	}

	kind := scan.ErrKindQRNotDetected
	if text := scan.NormalizePayload(f.DecodedText); len(text) > 0 {
		an := scan.AnalyzeContent(text)
		conf := LocalConfidence(an, f.DecoderConfidence)
		if conf >= p.opts.LocalThreshold {
			r := scan.ScanResult{
				Success:    true,
				Code:       text,
				Confidence: conf,
				Method:     scan.MethodLocal,
				Validation: &an,
			}
			p.opts.Cache.Set(scan.ResultKey(text), ownValidation(r), cache.ScanResultTTL)
			return p.succeed(r, start, lighting)
		}
		p.opts.Logger.Debug("local decode below threshold", zap.Float64("confidence", conf))
		kind = scan.ErrKindValidationFailed
	}

	fc := adaptive.FailureContext{StartedAt: start, Lighting: lighting}
	if p.opts.Recognizer == nil || len(f.Image) == 0 {
		dec := p.opts.Engine.HandleScanFailure(kind, fc)
		return p.fail(ctx, kind, dec, start)
	}

	resp, pol, err := adaptive.Retry(ctx, p.opts.Engine, fc, p.opts.CallTimeout, func(ctx context.Context) (*recognizer.Response, error) {
		return p.recognize(ctx, f.Image)
	})
	if err == nil {
		text := scan.NormalizePayload(resp.DecodedText)
		an := scan.AnalyzeContent(text)
		conf := p.opts.RemoteConfidence
		if resp.Confidence != nil {
			conf = utils.Clamp01(*resp.Confidence)
		}
		r := scan.ScanResult{
			Success:    true,
			Code:       text,
			Confidence: conf,
			Method:     scan.MethodRemote,
			Validation: &an,
		}
		p.opts.Cache.Set(scan.ResultKey(text), ownValidation(r), cache.ScanResultTTL)
		p.opts.Cache.Set(scan.ImageKey(f.Image), ownValidation(r), cache.ProcessedImageTTL)
		return p.succeed(r, start, lighting)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return p.cancelled(ctxErr, start)
	}
	dec := pol.Decision()
	if errors.Is(err, adaptive.ErrBudgetExceeded) {
		dec = adaptive.Decision{
			Actions:    []scan.Action{scan.ActionShowManualInput, scan.ActionProvideGuidance},
			Suggestion: scan.Suggestion{Action: scan.ActionShowManualInput, Message: "Recognition is taking too long, enter the code manually"},
		}
	}
	p.opts.Logger.Debug("remote recognition gave up", zap.Int("failures", pol.Failures()), zap.Error(err))
	return p.fail(ctx, pol.LastKind(), dec, start)
}

// LocalConfidence is the content quality of a local decode, scaled by the
// decoder's own confidence when it reported one.
func LocalConfidence(an scan.Analysis, decoderConfidence float64) float64 {
	if decoderConfidence > 0 {
		return utils.Clamp01(an.Quality * decoderConfidence)
	}
	return an.Quality
}

// recognize asks the remote service about image. Callers with the same
// image share one call, which is detached from any single caller's ctx
// and bounded by CallTimeout. Each caller stops waiting on its own ctx.
func (p *Pipeline) recognize(ctx context.Context, image []byte) (*recognizer.Response, error) {
	shared := context.WithoutCancel(ctx)
	ch := p.sf.DoChan(scan.ImageKey(image), func() (any, error) {
		cctx, cancel := context.WithTimeout(shared, p.opts.CallTimeout)
		defer cancel()
		return p.opts.Recognizer.Recognize(cctx, &recognizer.Request{Image: image, Enhance: !p.opts.DisableEnhance})
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp, _ := res.Val.(*recognizer.Response)
		return checkResponse(resp)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// checkResponse rejects responses the pipeline cannot use. The remote
// service is not trusted to honor its own contract.
func checkResponse(resp *recognizer.Response) (*recognizer.Response, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", scan.ErrRemoteService)
	}
	if len(scan.NormalizePayload(resp.DecodedText)) == 0 {
		return nil, scan.ErrNoPayload
	}
	return resp, nil
}

// ownValidation gives r its own copy of the validation so cached entries
// and returned results never share it.
func ownValidation(r scan.ScanResult) scan.ScanResult {
	if r.Validation != nil {
		v := *r.Validation
		r.Validation = &v
	}
	return r
}

func (p *Pipeline) succeed(r scan.ScanResult, start time.Time, lighting scan.Lighting) scan.ScanResult {
	now := p.opts.Clock.Now()
	d := now.Sub(start)
	r.Timestamp = now
	r.ProcessingTimeMs = d.Milliseconds()
	p.opts.Telemetry.TrackScanSuccess(r)
	p.opts.Engine.RecordScanAttempt(true, d, lighting, scan.ErrKindNone)
	return r
}

// fail turns an engine decision into a failed result. The failure itself
// was already recorded by HandleScanFailure.
func (p *Pipeline) fail(ctx context.Context, kind scan.ErrorKind, dec adaptive.Decision, start time.Time) scan.ScanResult {
	now := p.opts.Clock.Now()
	d := now.Sub(start)
	p.opts.Telemetry.TrackScanFailure(kind, d)
	p.applyActions(ctx, dec.Actions)

	r := scan.ScanResult{
		Method:           scan.MethodManual,
		ProcessingTimeMs: d.Milliseconds(),
		Timestamp:        now,
		ErrorKind:        kind,
		ShouldRetry:      dec.ShouldRetry,
		RetryDelayMs:     dec.RetryDelay.Milliseconds(),
		Actions:          dec.Actions,
	}
	if len(dec.Suggestion.Action) > 0 {
		r.Suggestions = []scan.Suggestion{dec.Suggestion}
	}
	return r
}

func (p *Pipeline) cancelled(err error, start time.Time) scan.ScanResult {
	now := p.opts.Clock.Now()
	return scan.ScanResult{
		Method:           scan.MethodManual,
		ProcessingTimeMs: now.Sub(start).Milliseconds(),
		Timestamp:        now,
		ErrorKind:        scan.ClassifyError(err),
	}
}

// applyActions carries out the actions the device layer can take on its
// own. The rest are left to the UI.
func (p *Pipeline) applyActions(ctx context.Context, actions []scan.Action) {
	o := p.opts.Optimizer
	if o == nil {
		return
	}
	var changed bool
	for _, a := range actions {
		switch a {
		case scan.ActionAutoEnableTorch:
			o.OptimizeForLighting(scan.LightingDark)
			changed = true
		case scan.ActionReduceResolution:
			o.ReduceResolution()
			changed = true
		}
	}
	if changed {
		o.Apply(ctx)
	}
}
