package recognizer

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/pmkol/scanx/pkg/pool"
)

// H3Recognizer talks HTTP/3 to a recognition endpoint.
type H3Recognizer struct {
	urlStr    string
	opt       *Opt
	transport *http3.Transport
}

func newH3Recognizer(u *url.URL, opt *Opt) *H3Recognizer {
	return &H3Recognizer{
		urlStr: u.String(),
		opt:    opt,
		transport: &http3.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: opt.InsecureSkipVerify,
			},
			QUICConfig: &quic.Config{
				MaxIdleTimeout: opt.IdleConnTimeout,
			},
		},
	}
}

func (r *H3Recognizer) Address() string {
	return r.urlStr
}

func (r *H3Recognizer) Recognize(ctx context.Context, q *Request) (*Response, error) {
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

func (r *H3Recognizer) Close() error {
	r.transport.CloseIdleConnections()
	return r.transport.Close()
}
