package recognizer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/pmkol/scanx/pkg/scan"
	"github.com/pmkol/scanx/pkg/utils"
)

const (
	jsonContentType  = "application/json"
	defaultUserAgent = "scanx"
)

// Request is sent to a remote recognition service. Image is base64
// encoded on the wire.
type Request struct {
	Image   []byte `json:"image"`
	Enhance bool   `json:"enhance"`
}

// Response is what a remote recognition service returns. Confidence is
// nil when the service did not report one.
type Response struct {
	DecodedText string   `json:"decodedText,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

type Recognizer interface {
	Recognize(ctx context.Context, req *Request) (*Response, error)
	Address() string
	Close() error
}

type Opt struct {
	// Timeout bounds a single request when ctx has no deadline.
	// Default is 10s.
	Timeout time.Duration

	// MaxBodySize limits the response body. Default is 64KiB.
	MaxBodySize int64

	UserAgent string

	// IdleConnTimeout for pooled connections. Default is 30s.
	IdleConnTimeout time.Duration

	// InsecureSkipVerify disables certificate checks of h3 endpoints.
	InsecureSkipVerify bool
}

func (o *Opt) init() {
	utils.SetDefaultNum(&o.Timeout, 10*time.Second)
	utils.SetDefaultNum(&o.MaxBodySize, 64*1024)
	utils.SetDefaultNum(&o.IdleConnTimeout, 30*time.Second)
	utils.SetDefaultString(&o.UserAgent, defaultUserAgent)
}

// NewRecognizer returns a Recognizer for addr. Supported schemes are
// http, https and h3 (https over HTTP/3).
func NewRecognizer(addr string, opt *Opt) (Recognizer, error) {
	if opt == nil {
		opt = new(Opt)
	}
	o := *opt
	o.init()

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid recognizer address %s: %w", addr, err)
	}
	if len(u.Host) == 0 {
		return nil, fmt.Errorf("invalid recognizer address %s: missing host", addr)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return newHTTPRecognizer(u, &o), nil
	case "h3":
		u.Scheme = "https"
		return newH3Recognizer(u, &o), nil
	default:
		return nil, fmt.Errorf("unsupported recognizer scheme %q", u.Scheme)
	}
}

func encodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

// decodeResponse maps a finished exchange onto a Response or an error
// wrapping one of the scan sentinels.
func decodeResponse(status int, body []byte) (*Response, error) {
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: http %d", scan.ErrRemoteService, status)
	}
	r := new(Response)
	if err := json.Unmarshal(body, r); err != nil {
		return nil, fmt.Errorf("%w: invalid body: %v", scan.ErrRemoteService, err)
	}
	r.DecodedText = strings.TrimSpace(r.DecodedText)
	if len(r.DecodedText) == 0 {
		return nil, scan.ErrNoPayload
	}
	if r.Confidence != nil {
		c := utils.Clamp01(*r.Confidence)
		r.Confidence = &c
	}
	return r, nil
}

// transportError keeps deadline errors recognizable and marks anything
// else as a network failure.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", scan.ErrNetwork, err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
