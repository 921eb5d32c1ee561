package httpclient

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Observer is called after every round trip. status is 0 when no response
// was received.
type Observer func(method string, status int, dur time.Duration)

// Option configures Client.
type Option func(*Client)

// WithTimeout bounds a whole round trip, body read included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc.Timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHeader sets a default header. Headers already present on a request win.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.defaults.Set(key, value) }
}

// WithoutHeader drops a default header, including the built-in User-Agent.
func WithoutHeader(key string) Option {
	return func(c *Client) { c.defaults.Del(key) }
}

// WithURLRedactor controls how request URLs appear in logs.
func WithURLRedactor(f func(*url.URL) string) Option {
	return func(c *Client) {
		if f != nil {
			c.redact = f
		}
	}
}

func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.hc.Transport = rt
		}
	}
}

func WithObserver(f Observer) Option {
	return func(c *Client) { c.observe = f }
}
