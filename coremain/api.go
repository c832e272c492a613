package coremain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/pmkol/scanx/mlog"
	"github.com/pmkol/scanx/pkg/environment"
	"github.com/pmkol/scanx/pkg/scan"
)

const maxScanBodySize = 8 << 20

// ScanRequest is the body of POST /scan. Image is base64 in json.
// Lighting wins over Lux when both are set. Without either the daemon
// falls back to the time of day.
type ScanRequest struct {
	Image             []byte        `json:"image,omitempty"`
	DecodedText       string        `json:"decoded_text,omitempty"`
	DecoderConfidence float64       `json:"decoder_confidence,omitempty"`
	Lighting          scan.Lighting `json:"lighting,omitempty"`
	Lux               *float64      `json:"lux,omitempty"`
	Stability         *float64      `json:"stability,omitempty"`
}

type PredictRequest struct {
	Payload string `json:"payload"`
}

type staticSensor float64

func (s staticSensor) Illuminance(context.Context) (float64, error) { return float64(s), nil }

type staticStability float64

func (s staticStability) Stability() float64 { return float64(s) }

func (m *Scanx) registerAPI() {
	mux := m.httpAPIMux
	mux.HandleFunc("POST /scan", m.handleScan)
	mux.HandleFunc("POST /predict", m.handlePredict)
	mux.HandleFunc("GET /analytics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.engine.GetAnalytics())
	})
	mux.HandleFunc("POST /learning/reset", func(w http.ResponseWriter, r *http.Request) {
		m.engine.ResetLearning()
		writeJSON(w, http.StatusOK, m.engine.Preferences())
	})
	mux.HandleFunc("GET /preferences", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.engine.Preferences())
	})
	mux.HandleFunc("GET /cache/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.cache.Stats())
	})
	mux.HandleFunc("POST /cache/purge", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"purged": m.cache.Purge()})
	})
	mux.HandleFunc("GET /telemetry/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.telemetry.Stats())
	})
	mux.HandleFunc("POST /telemetry/flush", func(w http.ResponseWriter, r *http.Request) {
		if err := m.telemetry.Flush(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, m.telemetry.Stats())
	})
	mux.HandleFunc("GET /environment", m.handleEnvironment)
	mux.HandleFunc("GET /settings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.optimizer.Settings())
	})
}

func (m *Scanx) handleScan(w http.ResponseWriter, r *http.Request) {
	req := new(ScanRequest)
	if err := readJSON(r, req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Image) == 0 && len(req.DecodedText) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("either image or decoded_text is required"))
		return
	}

	lighting := req.Lighting
	if len(lighting) == 0 {
		lighting = m.readingFor(r.Context(), req.Lux, req.Stability).Lighting
	}
	res := m.pipeline.ProcessFrame(r.Context(), scan.Frame{
		Image:             req.Image,
		DecodedText:       req.DecodedText,
		DecoderConfidence: req.DecoderConfidence,
	}, lighting)
	if r.Context().Err() != nil {
		// Client went away, nobody reads the body.
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (m *Scanx) handlePredict(w http.ResponseWriter, r *http.Request) {
	req := new(PredictRequest)
	if err := readJSON(r, req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, m.engine.PredictScanSuccess(req.Payload))
}

func (m *Scanx) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lux, err := optFloat(q.Get("lux"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid lux, %w", err))
		return
	}
	stab, err := optFloat(q.Get("stability"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid stability, %w", err))
		return
	}
	reading := m.readingFor(r.Context(), lux, stab)
	writeJSON(w, http.StatusOK, struct {
		Reading        scan.EnvironmentReading    `json:"reading"`
		Recommendation environment.Recommendation `json:"recommendation"`
	}{
		Reading:        reading,
		Recommendation: environment.Recommend(reading, m.optimizer.Settings()),
	})
}

// readingFor analyzes the environment reported by a client. Nil values
// fall back to the analyzer defaults.
func (m *Scanx) readingFor(ctx context.Context, lux, stability *float64) scan.EnvironmentReading {
	var sensor environment.Sensor
	var meter environment.StabilityMeter
	if lux != nil {
		sensor = staticSensor(*lux)
	}
	if stability != nil {
		meter = staticStability(*stability)
	}
	return m.NewAnalyzer(sensor, meter).Analyze(ctx)
}

func optFloat(s string) (*float64, error) {
	if len(s) == 0 {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func readJSON(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxScanBodySize))
	if err != nil {
		return fmt.Errorf("failed to read body, %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("invalid json body, %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		mlog.L().Error("failed to marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
