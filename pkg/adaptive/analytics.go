package adaptive

import (
	"slices"

	"github.com/pmkol/scanx/pkg/scan"
	"github.com/pmkol/scanx/pkg/utils"
)

const (
	ActionProceed      = "proceed_with_payment"
	ActionVerifyManual = "verify_code_manually"
)

// Analytics summarizes the recorded history.
type Analytics struct {
	ScanAttempts int     `json:"scan_attempts" yaml:"scan_attempts"`
	SuccessRate  float64 `json:"success_rate" yaml:"success_rate"`
	AverageMs    float64 `json:"average_time_ms" yaml:"average_time_ms"`

	// CommonErrors holds up to three error kinds, most frequent first.
	CommonErrors      []scan.ErrorKind `json:"common_errors" yaml:"common_errors"`
	PreferredLighting scan.Lighting    `json:"preferred_lighting" yaml:"preferred_lighting"`
	RetryCount        int              `json:"retry_count" yaml:"retry_count"`
	PreferredDelayMs  int              `json:"preferred_retry_delay_ms" yaml:"preferred_retry_delay_ms"`
}

// GetAnalytics computes success rate and average time over the most
// recent AnalyticsWindow attempts.
func (e *Engine) GetAnalytics() Analytics {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := Analytics{
		ScanAttempts:      len(e.history),
		CommonErrors:      commonErrors(e.history, 3),
		PreferredLighting: preferredLighting(tail(e.history, e.t.PatternWindow)),
		RetryCount:        e.prefs.RetryCount,
		PreferredDelayMs:  e.prefs.PreferredRetryDelayMs,
	}
	recent := tail(e.history, e.t.AnalyticsWindow)
	if len(recent) > 0 {
		var ok int
		var total int64
		for _, r := range recent {
			if r.Success {
				ok++
			}
			total += r.DurationMs
		}
		a.SuccessRate = float64(ok) / float64(len(recent))
		a.AverageMs = float64(total) / float64(len(recent))
	}
	return a
}

// Prediction estimates whether a decoded payload will lead to a
// successful payment.
type Prediction struct {
	Confidence      float64       `json:"confidence" yaml:"confidence"`
	SuggestedAction string        `json:"suggested_action" yaml:"suggested_action"`
	EstimatedValue  *int64        `json:"estimated_value,omitempty" yaml:"estimated_value,omitempty"`
	Recommendations []string      `json:"recommendations" yaml:"recommendations"`
	Analysis        scan.Analysis `json:"analysis" yaml:"analysis"`
}

// PredictScanSuccess blends the content quality of payload with the
// recent success rate.
func (e *Engine) PredictScanSuccess(payload string) Prediction {
	an := scan.AnalyzeContent(payload)
	rate := e.RecentSuccessRate()

	p := Prediction{
		Confidence:      utils.Clamp01(e.t.QualityWeight*an.Quality + e.t.HistoryWeight*rate),
		SuggestedAction: ActionProceed,
		Recommendations: []string{},
		Analysis:        an,
	}
	if an.HasAmount {
		v := an.Amount
		p.EstimatedValue = &v
	}
	if an.Quality < e.t.ManualThreshold {
		p.SuggestedAction = ActionVerifyManual
		p.Recommendations = append(p.Recommendations, "Double-check the QR code quality")
	}
	if rate < e.t.StruggleThreshold {
		p.Recommendations = append(p.Recommendations, "Try adjusting camera angle", "Ensure good lighting conditions")
	}
	return p
}

// RecentSuccessRate is the success rate of the last PredictionWindow
// attempts, or DefaultSuccess when nothing was recorded.
func (e *Engine) RecentSuccessRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	recent := tail(e.history, e.t.PredictionWindow)
	if len(recent) == 0 {
		return e.t.DefaultSuccess
	}
	var ok int
	for _, r := range recent {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(recent))
}

func tail[T any](s []T, n int) []T {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

type counted[K comparable] struct {
	key   K
	count int
}

// rank counts keys and orders them by count. Ties keep first-seen order.
func rank[K comparable](keys []K) []counted[K] {
	idx := make(map[K]int)
	var out []counted[K]
	for _, k := range keys {
		if i, ok := idx[k]; ok {
			out[i].count++
			continue
		}
		idx[k] = len(out)
		out = append(out, counted[K]{key: k, count: 1})
	}
	slices.SortStableFunc(out, func(a, b counted[K]) int { return b.count - a.count })
	return out
}

func commonErrors(h []scan.ScanAttempt, n int) []scan.ErrorKind {
	var kinds []scan.ErrorKind
	for _, a := range h {
		if !a.Success && len(a.ErrorKind) > 0 {
			kinds = append(kinds, a.ErrorKind)
		}
	}
	out := make([]scan.ErrorKind, 0, n)
	for _, c := range rank(kinds) {
		if len(out) == n {
			break
		}
		out = append(out, c.key)
	}
	return out
}

func preferredLighting(h []scan.ScanAttempt) scan.Lighting {
	ls := make([]scan.Lighting, 0, len(h))
	for _, a := range h {
		ls = append(ls, a.Lighting)
	}
	r := rank(ls)
	if len(r) == 0 {
		return scan.LightingUnknown
	}
	return r[0].key
}
