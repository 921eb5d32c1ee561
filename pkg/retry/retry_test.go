package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"erpsync/internal/shared"
)

// recordingHandler keeps every record for assertions.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
	attrs   []slog.Attr
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r = r.Clone()
	r.AddAttrs(h.attrs...)
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sharedRecorder{root: h, attrs: attrs}
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

// sharedRecorder forwards to the root handler with extra attributes.
type sharedRecorder struct {
	root  *recordingHandler
	attrs []slog.Attr
}

func (s *sharedRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (s *sharedRecorder) Handle(ctx context.Context, r slog.Record) error {
	r = r.Clone()
	r.AddAttrs(s.attrs...)
	return s.root.Handle(ctx, r)
}

func (s *sharedRecorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, s.attrs...), attrs...)
	return &sharedRecorder{root: s.root, attrs: merged}
}

func (s *sharedRecorder) WithGroup(string) slog.Handler { return s }

func (h *recordingHandler) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Message == msg {
			n++
		}
	}
	return n
}

func (h *recordingHandler) find(msg string) []map[string]slog.Value {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []map[string]slog.Value
	for _, r := range h.records {
		if r.Message != msg {
			continue
		}
		fields := map[string]slog.Value{"level": slog.StringValue(r.Level.String())}
		r.Attrs(func(a slog.Attr) bool {
			fields[a.Key] = a.Value
			return true
		})
		out = append(out, fields)
	}
	return out
}

// testConfig returns a config that never sleeps and records requested delays.
func testConfig(maxRetries int, kinds ...shared.Kind) (Config, *recordingHandler, *[]time.Duration) {
	h := &recordingHandler{}
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	cfg := Config{
		MaxRetries:            maxRetries,
		BaseDelay:             100 * time.Millisecond,
		MaxDelay:              time.Second,
		UseExponentialBackoff: true,
		RetryableKinds:        shared.NewKindSet(kinds...),
		Logger:                slog.New(h),
		After: func(d time.Duration) <-chan time.Time {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			ch := make(chan time.Time, 1)
			ch <- time.Now()
			return ch
		},
	}
	return cfg, h, &delays
}

func serverError() error {
	return &shared.StatusError{Method: "POST", URL: "/products", StatusCode: 503, Body: []byte(`{"message":"maintenance"}`)}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries=3, got %d", cfg.MaxRetries)
	}
	if cfg.BaseDelay != time.Second {
		t.Errorf("expected BaseDelay=1s, got %v", cfg.BaseDelay)
	}
	if cfg.MaxDelay != 10*time.Second {
		t.Errorf("expected MaxDelay=10s, got %v", cfg.MaxDelay)
	}
	if !cfg.UseExponentialBackoff {
		t.Error("expected exponential backoff")
	}
	for _, k := range []shared.Kind{shared.KindNetwork, shared.KindServer} {
		if !cfg.RetryableKinds.Has(k) {
			t.Errorf("expected %s to be retryable", k)
		}
	}
	for _, k := range []shared.Kind{shared.KindAuth, shared.KindNotFound, shared.KindClient, shared.KindUnknown} {
		if cfg.RetryableKinds.Has(k) {
			t.Errorf("expected %s not to be retryable", k)
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }, false},
		{"zero delays", func(c *Config) { c.BaseDelay, c.MaxDelay = 0, 0 }, false},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"negative base delay", func(c *Config) { c.BaseDelay = -time.Second }, true},
		{"max below base", func(c *Config) { c.MaxDelay = c.BaseDelay / 2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !shared.IsValidation(err) {
				t.Errorf("expected validation kind, got %v", err)
			}
		})
	}
}

func TestDoSuccess(t *testing.T) {
	cfg, h, delays := testConfig(3, shared.KindServer)

	var attempts int32
	got, err := Do(context.Background(), cfg, OperationContext{Name: "noop"}, func(ctx context.Context) (string, error) {
		atomic.AddInt32(&attempts, 1)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if len(*delays) != 0 {
		t.Errorf("expected no waits, got %v", *delays)
	}
	if n := len(h.records); n != 0 {
		t.Errorf("expected no log records on first-try success, got %d", n)
	}
}

func TestDoServerErrorThenSuccess(t *testing.T) {
	cfg, h, delays := testConfig(3, shared.KindServer)

	var attempts int32
	got, err := Do(context.Background(), cfg, OperationContext{Name: "erp.create_product"}, func(ctx context.Context) (int, error) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return 0, serverError()
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if n := h.count("retrying operation"); n != 2 {
		t.Errorf("expected 2 retrying records, got %d", n)
	}
	if n := h.count("operation attempt failed"); n != 2 {
		t.Errorf("expected 2 failure records, got %d", n)
	}
	if len(*delays) != 2 {
		t.Errorf("expected 2 waits, got %d", len(*delays))
	}
}

func TestDoAuthErrorIsNotRetried(t *testing.T) {
	cfg, h, delays := testConfig(3)
	cfg.RetryableKinds = DefaultConfig().RetryableKinds

	var attempts int32
	_, err := Do(context.Background(), cfg, OperationContext{Name: "erp.get_product"}, func(ctx context.Context) (struct{}, error) {
		atomic.AddInt32(&attempts, 1)
		return struct{}{}, &shared.StatusError{StatusCode: 401, Body: []byte(`{"error":"invalid api key"}`)}
	})

	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", attempts)
	}
	if len(*delays) != 0 {
		t.Errorf("expected zero backoff waits, got %v", *delays)
	}
	var ce *shared.ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *shared.ClassifiedError, got %T", err)
	}
	if ce.Kind != shared.KindAuth || ce.StatusCode != 401 {
		t.Errorf("expected AUTH/401, got %s/%d", ce.Kind, ce.StatusCode)
	}
	if ce.Message != "invalid api key" {
		t.Errorf("unexpected message %q", ce.Message)
	}
	if n := h.count("retrying operation"); n != 0 {
		t.Errorf("expected no retrying records, got %d", n)
	}
	failures := h.find("operation attempt failed")
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure record, got %d", len(failures))
	}
	if failures[0]["will_retry"].Bool() {
		t.Error("expected will_retry=false")
	}
}

func TestDoNetworkErrorExhausts(t *testing.T) {
	cfg, h, _ := testConfig(2, shared.KindNetwork)

	var attempts int32
	_, err := Do(context.Background(), cfg, OperationContext{Name: "erp.update_product"}, func(ctx context.Context) (string, error) {
		n := atomic.AddInt32(&attempts, 1)
		return "", &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("attempt %d: %w", n, syscall.ECONNREFUSED)}
	})

	if attempts != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", attempts)
	}
	if !errors.Is(err, shared.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	var ce *shared.ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *shared.ClassifiedError, got %T", err)
	}
	if ce.HasStatus() {
		t.Errorf("network failure must not carry a status, got %d", ce.StatusCode)
	}
	if want := "attempt 3"; !strings.Contains(ce.Message, want) {
		t.Errorf("expected last failure message, got %q", ce.Message)
	}
	failures := h.find("operation attempt failed")
	if len(failures) != 3 {
		t.Fatalf("expected 3 failure records, got %d", len(failures))
	}
	for i, f := range failures {
		wantRetry := i < 2
		if f["will_retry"].Bool() != wantRetry {
			t.Errorf("record %d: will_retry=%v, want %v", i, f["will_retry"].Bool(), wantRetry)
		}
		if f["attempt"].Int64() != int64(i+1) {
			t.Errorf("record %d: attempt=%d", i, f["attempt"].Int64())
		}
		if f["level"].String() != "ERROR" {
			t.Errorf("record %d: level=%s", i, f["level"].String())
		}
	}
}

func TestDoZeroRetries(t *testing.T) {
	cfg, _, delays := testConfig(0, shared.KindServer)

	var attempts int32
	_, err := Do(context.Background(), cfg, OperationContext{Name: "once"}, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&attempts, 1)
		return 0, serverError()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if len(*delays) != 0 {
		t.Errorf("backoff must not be consulted with MaxRetries=0, got %v", *delays)
	}
}

func TestDoRetryingRecordFields(t *testing.T) {
	cfg, h, _ := testConfig(2, shared.KindServer)
	oc := OperationContext{
		Name:           "erp.create_sales_document",
		CorrelationIDs: map[string]string{"userId": "u-1", "entityId": "deal-9"},
	}

	var attempts int32
	_, _ = Do(context.Background(), cfg, oc, func(ctx context.Context) (int, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return 0, serverError()
		}
		return 1, nil
	})

	records := h.find("retrying operation")
	if len(records) != 1 {
		t.Fatalf("expected 1 retrying record, got %d", len(records))
	}
	r := records[0]
	if r["level"].String() != "INFO" {
		t.Errorf("expected INFO, got %s", r["level"].String())
	}
	if r["retry"].Int64() != 1 || r["max_retries"].Int64() != 2 {
		t.Errorf("unexpected retry fields: retry=%d max=%d", r["retry"].Int64(), r["max_retries"].Int64())
	}
	if r["operation"].String() != oc.Name {
		t.Errorf("unexpected operation %q", r["operation"].String())
	}
	if r["category"].String() != LogCategory {
		t.Errorf("unexpected category %q", r["category"].String())
	}
	group := map[string]string{}
	for _, a := range r["correlation"].Group() {
		group[a.Key] = a.Value.String()
	}
	if group["userId"] != "u-1" || group["entityId"] != "deal-9" {
		t.Errorf("unexpected correlation ids %v", group)
	}

	failures := h.find("operation attempt failed")
	if failures[0]["kind"].String() != "SERVER" || failures[0]["status"].Int64() != 503 {
		t.Errorf("unexpected failure fields %v", failures[0])
	}
}

func TestDoUnknownKindOptIn(t *testing.T) {
	cfg, _, _ := testConfig(2, shared.KindUnknown)

	var attempts int32
	_, err := Do(context.Background(), cfg, OperationContext{Name: "flaky"}, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&attempts, 1)
		return 0, errors.New("something odd")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 {
		t.Errorf("expected UNKNOWN to be retried when opted in, got %d attempts", attempts)
	}
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxRetries:            5,
		BaseDelay:             time.Hour,
		MaxDelay:              time.Hour,
		UseExponentialBackoff: false,
		RetryableKinds:        shared.NewKindSet(shared.KindServer),
		Logger:                slog.New(&recordingHandler{}),
	}

	var attempts int32
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, cfg, OperationContext{Name: "slow"}, func(ctx context.Context) (int, error) {
			atomic.AddInt32(&attempts, 1)
			return 0, serverError()
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got: %v", err)
		}
		if !shared.HasKind(err, shared.KindCanceled) {
			t.Errorf("expected CANCELED kind, got %s", shared.KindOf(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}

	if attempts != 1 {
		t.Errorf("expected no further attempts after cancellation, got %d", attempts)
	}
}

func TestDoContextAlreadyDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := Do(ctx, DefaultConfig(), OperationContext{Name: "never"}, func(ctx context.Context) (int, error) {
		called = true
		return 1, nil
	})
	if called {
		t.Error("operation must not run with a done context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDoInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = -1

	called := false
	_, err := Do(context.Background(), cfg, OperationContext{Name: "x"}, func(ctx context.Context) (int, error) {
		called = true
		return 0, nil
	})
	if err == nil || called {
		t.Errorf("expected validation error without invoking operation, err=%v called=%v", err, called)
	}
	var ce *shared.ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *shared.ClassifiedError, got %T", err)
	}
	if ce.Kind != shared.KindValidation {
		t.Errorf("expected VALIDATION kind, got %s", ce.Kind)
	}
}

func TestDoDeadlineKeepsLastFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	cfg := Config{
		MaxRetries:     5,
		BaseDelay:      time.Hour,
		MaxDelay:       time.Hour,
		RetryableKinds: shared.NewKindSet(shared.KindServer),
		Logger:         slog.New(&recordingHandler{}),
	}

	_, err := Do(ctx, cfg, OperationContext{Name: "slow"}, func(ctx context.Context) (int, error) {
		return 0, serverError()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if got := shared.KindOf(err); got != shared.KindNetwork {
		t.Errorf("expected NETWORK kind, got %s", got)
	}
	if !strings.Contains(err.Error(), "last failure SERVER") {
		t.Errorf("expected last failure kind in message, got %q", err.Error())
	}
	if !errors.Is(err, shared.ErrServer) {
		t.Error("expected the last failure in the cause chain")
	}
}

func TestDoHooks(t *testing.T) {
	cfg, _, _ := testConfig(3, shared.KindServer)

	var retries []int
	var finished struct {
		attempts int
		err      error
	}
	cfg.OnRetry = func(oc OperationContext, retry int, err *shared.ClassifiedError, delay time.Duration) {
		retries = append(retries, retry)
		if err.Kind != shared.KindServer {
			t.Errorf("unexpected kind %s", err.Kind)
		}
		if delay > cfg.MaxDelay {
			t.Errorf("delay %v above max", delay)
		}
	}
	cfg.OnFinish = func(oc OperationContext, attempts int, err error, elapsed time.Duration) {
		finished.attempts = attempts
		finished.err = err
	}

	_, err := Do(context.Background(), cfg, OperationContext{Name: "hooks"}, func(ctx context.Context) (int, error) {
		return 0, serverError()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(retries) != 3 || retries[0] != 1 || retries[2] != 3 {
		t.Errorf("unexpected retries %v", retries)
	}
	if finished.attempts != 4 {
		t.Errorf("expected 4 attempts reported, got %d", finished.attempts)
	}
	if finished.err == nil {
		t.Error("expected terminal error in OnFinish")
	}
}

func TestDoErr(t *testing.T) {
	cfg, _, _ := testConfig(1, shared.KindServer)

	var attempts int32
	err := DoErr(context.Background(), cfg, OperationContext{Name: "delete"}, func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return serverError()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestWrapIdempotent(t *testing.T) {
	cfg, _, _ := testConfig(2, shared.KindServer)

	type query struct{ ID string }
	lookup := func(ctx context.Context, q query) (string, error) {
		if q.ID == "missing" {
			return "", &shared.StatusError{StatusCode: 404}
		}
		return "erp-" + q.ID, nil
	}
	wrapped := Wrap(lookup, func(q query) OperationContext {
		return OperationContext{Name: "lookup", CorrelationIDs: map[string]string{"entityId": q.ID}}
	}, cfg)

	for _, id := range []string{"7", "missing"} {
		v1, err1 := wrapped(context.Background(), query{ID: id})
		v2, err2 := wrapped(context.Background(), query{ID: id})
		if v1 != v2 {
			t.Errorf("id %s: values differ %q vs %q", id, v1, v2)
		}
		if (err1 == nil) != (err2 == nil) || shared.KindOf(err1) != shared.KindOf(err2) {
			t.Errorf("id %s: outcomes differ %v vs %v", id, err1, err2)
		}
	}

	v, err := wrapped(context.Background(), query{ID: "7"})
	if err != nil || v != "erp-7" {
		t.Errorf("unexpected result %q, %v", v, err)
	}
	_, err = wrapped(context.Background(), query{ID: "missing"})
	if !shared.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestWrap2(t *testing.T) {
	cfg, _, _ := testConfig(1, shared.KindNetwork)

	var calls int32
	update := func(ctx context.Context, id string, qty int) (int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return 0, &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
		}
		return qty * 2, nil
	}
	wrapped := Wrap2(update, func(id string, _ int) OperationContext {
		return OperationContext{Name: "update"}.With("entityId", id)
	}, cfg)

	got, err := wrapped(context.Background(), "p-1", 21)
	if err != nil || got != 42 {
		t.Errorf("got %d, %v", got, err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestOperationContextWithDoesNotMutate(t *testing.T) {
	base := OperationContext{Name: "x", CorrelationIDs: map[string]string{"a": "1"}}
	derived := base.With("b", "2")

	if _, ok := base.CorrelationIDs["b"]; ok {
		t.Error("With mutated the receiver")
	}
	if derived.CorrelationIDs["a"] != "1" || derived.CorrelationIDs["b"] != "2" {
		t.Errorf("unexpected ids %v", derived.CorrelationIDs)
	}
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	cfg, _, _ := testConfig(2, shared.KindServer)

	var wg sync.WaitGroup
	var total int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var local int32
			_, _ = Do(context.Background(), cfg, OperationContext{Name: "parallel"}, func(ctx context.Context) (int, error) {
				atomic.AddInt32(&total, 1)
				if atomic.AddInt32(&local, 1) < 3 {
					return 0, serverError()
				}
				return 1, nil
			})
			if local != 3 {
				t.Errorf("expected 3 attempts per run, got %d", local)
			}
		}()
	}
	wg.Wait()

	if total != 60 {
		t.Errorf("expected 60 attempts total, got %d", total)
	}
}

func TestDoCorrelationFromContext(t *testing.T) {
	cfg, h, _ := testConfig(1, shared.KindServer)

	ctx := ContextWithCorrelation(context.Background(), "requestId", "req-1")
	ctx = ContextWithCorrelation(ctx, "entityId", "from-ctx")
	oc := OperationContext{Name: "ctx"}.With("entityId", "explicit")

	_, _ = Do(ctx, cfg, oc, func(ctx context.Context) (int, error) {
		return 0, &shared.StatusError{StatusCode: 400}
	})

	records := h.find("operation attempt failed")
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	group := map[string]string{}
	for _, a := range records[0]["correlation"].Group() {
		group[a.Key] = a.Value.String()
	}
	if group["requestId"] != "req-1" {
		t.Errorf("expected requestId from context, got %v", group)
	}
	if group["entityId"] != "explicit" {
		t.Errorf("explicit ids must win, got %v", group)
	}
	if len(CorrelationFromContext(context.Background())) != 0 {
		t.Error("expected no ids on a bare context")
	}
}
