package recognizer

import (
	"bytes"
	"context"
	"io"
	"net/url"

	"gitlab.com/go-extension/http"

	"github.com/pmkol/scanx/pkg/pool"
)

// HTTPRecognizer talks HTTP/1.1 or HTTP/2 to a recognition endpoint.
type HTTPRecognizer struct {
	urlStr    string
	opt       *Opt
	transport *http.Transport
}

func newHTTPRecognizer(u *url.URL, opt *Opt) *HTTPRecognizer {
	return &HTTPRecognizer{
		urlStr: u.String(),
		opt:    opt,
		transport: &http.Transport{
			IdleConnTimeout:     opt.IdleConnTimeout,
			MaxIdleConnsPerHost: 4,
		},
	}
}

func (r *HTTPRecognizer) Address() string {
	return r.urlStr
}

func (r *HTTPRecognizer) Recognize(ctx context.Context, q *Request) (*Response, error) {
	ctx, cancel := withTimeout(ctx, r.opt.Timeout)
	defer cancel()

	b, err := encodeRequest(q)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.urlStr, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", jsonContentType)
	req.Header.Set("Accept", jsonContentType)
	req.Header.Set("User-Agent", r.opt.UserAgent)

	res, err := r.transport.RoundTrip(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer res.Body.Close()

	buf := pool.GetBuf()
	defer pool.ReleaseBuf(buf)
	if _, err := buf.ReadFrom(io.LimitReader(res.Body, r.opt.MaxBodySize)); err != nil {
		return nil, transportError(ctx, err)
	}
	return decodeResponse(res.StatusCode, buf.Bytes())
}

func (r *HTTPRecognizer) Close() error {
	r.transport.CloseIdleConnections()
	return nil
}
