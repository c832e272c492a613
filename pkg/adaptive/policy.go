package adaptive

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/pmkol/scanx/pkg/scan"
)

// ErrBudgetExceeded is returned by Retry when the wall clock budget ran
// out before the engine gave up.
var ErrBudgetExceeded = errors.New("retry budget exceeded")

// Policy is a backoff.BackOff whose delays come from HandleScanFailure.
// Observe must be called with every failure before NextBackOff.
type Policy struct {
	e    *Engine
	fc   FailureContext
	last scan.ErrorKind
	dec  Decision
	n    int
}

var _ backoff.BackOff = (*Policy)(nil)

// NewPolicy starts a retry sequence for one scan.
func (e *Engine) NewPolicy(fc FailureContext) *Policy {
	return &Policy{e: e, fc: fc, last: scan.ErrKindAIProcessingFailed}
}

// Observe classifies the failure the next delay will be computed for.
func (p *Policy) Observe(err error) {
	p.last = scan.ClassifyError(err)
}

// NextBackOff hands the last failure to the engine. It returns
// backoff.Stop once the engine gives up.
func (p *Policy) NextBackOff() time.Duration {
	p.dec = p.e.HandleScanFailure(p.last, p.fc)
	p.n++
	if !p.dec.ShouldRetry {
		return backoff.Stop
	}
	return p.dec.RetryDelay
}

func (p *Policy) Reset() {}

// Decision is the last decision made, zero if nothing failed yet.
func (p *Policy) Decision() Decision {
	return p.dec
}

// Failures is the number of failures handed to the engine.
func (p *Policy) Failures() int {
	return p.n
}

// LastKind is the kind of the last observed failure.
func (p *Policy) LastKind() scan.ErrorKind {
	return p.last
}

// Budget is the longest a full retry sequence may take: every scheduled
// delay at its worst case plus one call timeout.
func (e *Engine) Budget(callTimeout time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	worst := e.prefs.PreferredRetryDelayMs
	for _, ms := range e.t.BaseDelaysMs {
		worst = max(worst, ms)
	}
	var total time.Duration
	for r := 0; r < e.t.MaxRetries; r++ {
		total += calculateDelay(worst, r, e.t.BackoffMultiplier, e.t.MaxDelayMs)
	}
	return total + callTimeout
}

// Retry runs op until it succeeds or the engine gives up. Each call is
// bounded by callTimeout and the whole sequence by Budget(callTimeout).
// The returned policy tells what the engine decided last.
func Retry[T any](ctx context.Context, e *Engine, fc FailureContext, callTimeout time.Duration, op func(ctx context.Context) (T, error)) (T, *Policy, error) {
	p := e.NewPolicy(fc)
	budget := e.Budget(callTimeout)
	v, err := backoff.Retry(ctx, func() (T, error) {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		v, err := op(cctx)
		if err != nil {
			// A cancelled session must not count as a scan failure.
			if ctx.Err() != nil {
				return v, backoff.Permanent(ctx.Err())
			}
			p.Observe(err)
		}
		return v, err
	},
		backoff.WithBackOff(p),
		backoff.WithMaxElapsedTime(budget),
		backoff.WithNotify(func(err error, d time.Duration) {
			e.opts.Logger.Debug("retrying remote recognition", zap.Duration("delay", d), zap.Error(err))
		}),
	)
	if err == nil {
		return v, p, nil
	}
	if ctx.Err() != nil {
		e.ResetRetries()
		return v, p, ctx.Err()
	}
	if p.Decision().ShouldRetry {
		// The engine wanted another try but the budget is spent.
		e.ResetRetries()
		return v, p, errors.Join(ErrBudgetExceeded, err)
	}
	return v, p, err
}
