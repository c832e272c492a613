package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	"gitlab.com/go-extension/http"
	"go.uber.org/zap"
)

var ErrSinkRejected = errors.New("telemetry sink rejected batch")

// Sink receives flushed batches. Delivery is best effort.
type Sink interface {
	Send(ctx context.Context, b *Batch) error
}

type SinkFunc func(ctx context.Context, b *Batch) error

func (f SinkFunc) Send(ctx context.Context, b *Batch) error { return f(ctx, b) }

// LogSink writes batches to a logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(_ context.Context, b *Batch) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.Info(
		"telemetry batch",
		zap.Int("records", len(b.Metrics)),
		zap.Uint64("scan_attempts", b.SessionStats.ScanAttempts),
		zap.Float64("success_rate", b.SessionStats.SuccessRate),
		zap.Float64("avg_processing_ms", b.SessionStats.AverageProcessingTimeMs),
	)
	return nil
}

const snappyEncoding = "x-snappy-block"

// HTTPSink posts batches as json to an endpoint.
type HTTPSink struct {
	url       string
	compress  bool
	transport *http.Transport
}

// NewHTTPSink posts to url. With compress set, bodies are snappy block
// encoded and sent with Content-Encoding x-snappy-block.
func NewHTTPSink(url string, compress bool) *HTTPSink {
	return &HTTPSink{
		url:      url,
		compress: compress,
		transport: &http.Transport{
			IdleConnTimeout:     30 * time.Second,
			MaxIdleConnsPerHost: 1,
		},
	}
}

func (s *HTTPSink) Send(ctx context.Context, b *Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if s.compress {
		body = snappy.Encode(nil, body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.compress {
		req.Header.Set("Content-Encoding", snappyEncoding)
	}
	res, err := s.transport.RoundTrip(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("%w: http %d", ErrSinkRejected, res.StatusCode)
	}
	return nil
}

func (s *HTTPSink) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

// DecodeBatch parses a body posted by HTTPSink.
func DecodeBatch(contentEncoding string, body []byte) (*Batch, error) {
	if contentEncoding == snappyEncoding {
		var err error
		if body, err = snappy.Decode(nil, body); err != nil {
			return nil, err
		}
	}
	b := new(Batch)
	if err := json.Unmarshal(body, b); err != nil {
		return nil, err
	}
	return b, nil
}
