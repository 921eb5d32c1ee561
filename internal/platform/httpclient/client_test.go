package httpclient_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpsync/internal/platform/httpclient"
	"erpsync/pkg/retry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type rtFunc func(*http.Request) (*http.Response, error)

func (f rtFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func get(t *testing.T, c *httpclient.Client, ctx context.Context, u string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, u, nil)
	require.NoError(t, err)
	return c.Do(ctx, req)
}

func TestDo_OneAttemptPerCall(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	resp, err := get(t, httpclient.New(httpclient.WithLogger(quietLogger())), context.Background(), srv.URL)
	require.NoError(t, err, "5xx is a response, not an error")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDo_TransportErrorUnwrapped(t *testing.T) {
	var calls atomic.Int32
	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		httpclient.WithTransport(rtFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
		})),
	)

	_, err := get(t, c, context.Background(), "http://erp.invalid/products")
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_Headers(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	c := httpclient.New(
		httpclient.WithHeader("Accept", "application/json"),
		httpclient.WithHeader("Content-Type", "text/plain"),
		httpclient.WithHeader("X-Drop", "1"),
		httpclient.WithoutHeader("X-Drop"),
	)
	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewBufferString("{}"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	ctx := retry.ContextWithCorrelation(context.Background(), "requestId", "req-7")
	resp, err := c.Do(ctx, req)
	require.NoError(t, err)
	httpclient.DrainAndClose(resp.Body)

	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Equal(t, "application/json", got.Get("Content-Type"), "request header wins over default")
	assert.Empty(t, got.Get("X-Drop"))
	assert.Equal(t, "erpsync/1", got.Get("User-Agent"))
	assert.Equal(t, "req-7", got.Get(httpclient.RequestIDHeader))
	assert.Empty(t, req.Header.Get(httpclient.RequestIDHeader), "caller's request must stay untouched")
}

func TestDo_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := get(t, httpclient.New(httpclient.WithLogger(quietLogger())), ctx, srv.URL)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_LogsRedactedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	c := httpclient.New(
		httpclient.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
		httpclient.WithURLRedactor(httpclient.RedactQuery("api_key")),
	)
	resp, err := get(t, c, context.Background(), srv.URL+"/products?api_key=s3cr3t")
	require.NoError(t, err)
	httpclient.DrainAndClose(resp.Body)

	assert.NotContains(t, buf.String(), "s3cr3t")
	assert.Contains(t, buf.String(), "api_key=xxxxx")
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "status=500")
}

func TestDo_TransportErrorURLRedacted(t *testing.T) {
	rt := rtFunc(func(*http.Request) (*http.Response, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	})
	var buf bytes.Buffer
	c := httpclient.New(
		httpclient.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
		httpclient.WithTransport(rt),
		httpclient.WithURLRedactor(httpclient.RedactQuery("api_key")),
	)

	_, err := get(t, c, context.Background(), "http://erp.invalid/products?api_key=s3cr3t&page=2")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "s3cr3t")
	assert.Contains(t, err.Error(), "page=2")
	assert.NotContains(t, buf.String(), "s3cr3t")
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
}

func TestRedactQuery(t *testing.T) {
	redact := httpclient.RedactQuery("api_key", "api_id")

	u, err := url.Parse("https://erp.example.com/api/products?api_id=42&api_key=s3cr3t&page=2")
	require.NoError(t, err)
	got := redact(u)
	assert.NotContains(t, got, "s3cr3t")
	assert.NotContains(t, got, "api_id=42")
	assert.Contains(t, got, "page=2")
	assert.Contains(t, u.String(), "s3cr3t", "original URL must stay untouched")

	plain, err := url.Parse("https://user:pw@erp.example.com/api/products")
	require.NoError(t, err)
	assert.Equal(t, plain.Redacted(), redact(plain))
	assert.Empty(t, redact(nil))
}

func TestDo_Observer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	type call struct {
		method string
		status int
	}
	var got []call
	observe := httpclient.WithObserver(func(method string, status int, _ time.Duration) {
		got = append(got, call{method, status})
	})

	req, err := http.NewRequest(http.MethodDelete, srv.URL, nil)
	require.NoError(t, err)
	resp, err := httpclient.New(httpclient.WithLogger(quietLogger()), observe).Do(context.Background(), req)
	require.NoError(t, err)
	httpclient.DrainAndClose(resp.Body)

	failing := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		httpclient.WithTransport(rtFunc(func(*http.Request) (*http.Response, error) { return nil, net.ErrClosed })),
		observe,
	)
	_, err = failing.Do(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, []call{{http.MethodDelete, http.StatusNotFound}, {http.MethodDelete, 0}}, got)
}

type closingRT struct {
	http.RoundTripper
	closed atomic.Bool
}

func (c *closingRT) CloseIdleConnections() { c.closed.Store(true) }

func TestDo_MisdirectedClosesIdle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMisdirectedRequest)
	}))
	defer srv.Close()

	rt := &closingRT{RoundTripper: http.DefaultTransport}
	c := httpclient.New(httpclient.WithLogger(quietLogger()), httpclient.WithTransport(rt))

	resp, err := get(t, c, context.Background(), srv.URL)
	require.NoError(t, err)
	httpclient.DrainAndClose(resp.Body)
	assert.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)
	assert.True(t, rt.closed.Load())
}

func TestDo_ReusesConnection(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"p-1"}`))
	}))
	srv.Config.ConnState = func(_ net.Conn, s http.ConnState) {
		if s == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()))
	for range 3 {
		resp, err := get(t, c, context.Background(), srv.URL)
		require.NoError(t, err)
		httpclient.DrainAndClose(resp.Body)
	}
	assert.Equal(t, int32(1), conns.Load())
}

func TestDo_Concurrent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()))
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if resp, err := c.Do(context.Background(), req); err == nil {
				httpclient.DrainAndClose(resp.Body)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), hits.Load())
}
