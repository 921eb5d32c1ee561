package httpclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"erpsync/pkg/retry"
)

const (
	// RequestIDHeader carries the correlation id of the sync operation to the ERP.
	RequestIDHeader = "X-Request-ID"
	userAgent       = "erpsync/1"
	drainLimit      = 512 << 10
)

// Client sends one HTTP round trip per Do call. It adds default headers,
// forwards the correlation id, logs and observes each exchange. Retrying is
// left to pkg/retry.
type Client struct {
	hc       *http.Client
	log      *slog.Logger
	defaults http.Header
	redact   func(*url.URL) string
	observe  Observer
}

// New builds a Client with a pooled transport and a 15s timeout.
func New(opts ...Option) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 32
	tr.IdleConnTimeout = 90 * time.Second
	tr.ResponseHeaderTimeout = 10 * time.Second

	c := &Client{
		hc:       &http.Client{Timeout: 15 * time.Second, Transport: tr},
		log:      slog.Default(),
		defaults: http.Header{"User-Agent": {userAgent}},
		redact:   (*url.URL).Redacted,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do sends req bound to ctx. A transport failure comes back unwrapped for the
// caller to classify, with its URL passed through the redactor; any response,
// 4xx and 5xx included, has a nil error.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	r := req.Clone(ctx)
	for k, vs := range c.defaults {
		if r.Header.Get(k) == "" {
			r.Header[k] = vs
		}
	}
	if id := retry.CorrelationFromContext(ctx)["requestId"]; id != "" && r.Header.Get(RequestIDHeader) == "" {
		r.Header.Set(RequestIDHeader, id)
	}

	start := time.Now()
	resp, err := c.hc.Do(r)
	dur := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if c.observe != nil {
		c.observe(r.Method, status, dur)
	}

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("url", c.redact(r.URL)),
		slog.Duration("dur", dur),
	}
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = c.redact(r.URL)
		}
		c.log.LogAttrs(ctx, slog.LevelWarn, "erp request failed", append(attrs, slog.Any("error", err))...)
		return nil, err
	}

	// 421: the pooled connection points at the wrong origin.
	if status == http.StatusMisdirectedRequest {
		c.hc.CloseIdleConnections()
	}
	level := slog.LevelDebug
	if status >= http.StatusBadRequest {
		level = slog.LevelWarn
	}
	c.log.LogAttrs(ctx, level, "erp request", append(attrs, slog.Int("status", status))...)
	return resp, nil
}

// RedactQuery masks the named query parameters and any userinfo password.
func RedactQuery(keys ...string) func(*url.URL) string {
	return func(u *url.URL) string {
		if u == nil {
			return ""
		}
		q := u.Query()
		masked := false
		for _, k := range keys {
			if q.Has(k) {
				q.Set(k, "xxxxx")
				masked = true
			}
		}
		if !masked {
			return u.Redacted()
		}
		cp := *u
		cp.RawQuery = q.Encode()
		return cp.Redacted()
	}
}

// DrainAndClose reads what is left of b, up to 512KB, so the connection goes
// back to the pool.
func DrainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, b, drainLimit)
	_ = b.Close()
}
