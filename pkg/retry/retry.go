package retry

import (
	"context"
	"fmt"
	"log/slog"
	randv2 "math/rand/v2"
	"sort"
	"time"

	"erpsync/internal/shared"
)

// LogCategory is the "category" attribute of every record emitted by Do.
const LogCategory = "retry"

// Config defines retry configuration.
// A Config is read-only during Do and may be shared between goroutines.
type Config struct {
	// MaxRetries is the number of retries after the first attempt (0 = single attempt)
	MaxRetries int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay caps every computed delay
	MaxDelay time.Duration
	// UseExponentialBackoff doubles the delay per retry and applies jitter
	UseExponentialBackoff bool
	// RetryableKinds lists the error kinds that allow another attempt
	RetryableKinds shared.KindSet
	// Logger receives attempt records (defaults to slog.Default)
	Logger *slog.Logger
	// Rand returns a value in [0,1) for jitter (defaults to math/rand/v2, safe for concurrent use)
	Rand func() float64
	// After creates a timer channel (for testing, defaults to time.After)
	After func(d time.Duration) <-chan time.Time
	// OnRetry is called before each backoff wait for observability
	OnRetry func(oc OperationContext, retry int, err *shared.ClassifiedError, delay time.Duration)
	// OnFinish is called once per run with the total number of invocations and the terminal error (nil on success)
	OnFinish func(oc OperationContext, attempts int, err error, elapsed time.Duration)
}

// DefaultConfig returns the configuration used when callers do not override it:
// 3 retries, 1s base delay doubling up to 10s, NETWORK and SERVER retryable.
func DefaultConfig() Config {
	return Config{
		MaxRetries:            3,
		BaseDelay:             time.Second,
		MaxDelay:              10 * time.Second,
		UseExponentialBackoff: true,
		RetryableKinds:        shared.NewKindSet(shared.KindNetwork, shared.KindServer),
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: retry: MaxRetries cannot be negative", shared.ErrValidation)
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("%w: retry: BaseDelay cannot be negative", shared.ErrValidation)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("%w: retry: MaxDelay must be >= BaseDelay", shared.ErrValidation)
	}
	return nil
}

func (c Config) random() float64 {
	if c.Rand != nil {
		return c.Rand()
	}
	return randv2.Float64()
}

func (c Config) after(d time.Duration) <-chan time.Time {
	if c.After != nil {
		return c.After(d)
	}
	return time.After(d)
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// OperationContext describes one orchestrated call. It is attached to every log record of the run.
type OperationContext struct {
	Name           string
	CorrelationIDs map[string]string
	Extra          []slog.Attr
}

// With returns a copy with an additional correlation id; the receiver is not modified.
func (oc OperationContext) With(key, value string) OperationContext {
	ids := make(map[string]string, len(oc.CorrelationIDs)+1)
	for k, v := range oc.CorrelationIDs {
		ids[k] = v
	}
	ids[key] = value
	oc.CorrelationIDs = ids
	return oc
}

type correlationKey struct{}

// ContextWithCorrelation returns a context carrying an additional correlation
// id. Do attaches these ids to every record of runs started with the context;
// ids set on the OperationContext take precedence.
func ContextWithCorrelation(ctx context.Context, key, value string) context.Context {
	prev := CorrelationFromContext(ctx)
	ids := make(map[string]string, len(prev)+1)
	for k, v := range prev {
		ids[k] = v
	}
	ids[key] = value
	return context.WithValue(ctx, correlationKey{}, ids)
}

// CorrelationFromContext returns the correlation ids stored by ContextWithCorrelation.
// The returned map must not be modified.
func CorrelationFromContext(ctx context.Context) map[string]string {
	ids, _ := ctx.Value(correlationKey{}).(map[string]string)
	return ids
}

func (oc OperationContext) withDefaults(ids map[string]string) OperationContext {
	for k, v := range ids {
		if _, ok := oc.CorrelationIDs[k]; !ok {
			oc = oc.With(k, v)
		}
	}
	return oc
}

func (oc OperationContext) attrs() []any {
	out := []any{slog.String("operation", oc.Name)}
	if len(oc.CorrelationIDs) > 0 {
		keys := make([]string, 0, len(oc.CorrelationIDs))
		for k := range oc.CorrelationIDs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ids := make([]any, 0, len(keys))
		for _, k := range keys {
			ids = append(ids, slog.String(k, oc.CorrelationIDs[k]))
		}
		out = append(out, slog.Group("correlation", ids...))
	}
	for _, a := range oc.Extra {
		out = append(out, a)
	}
	return out
}

// Operation is a single attempt of a remote call or other fallible I/O.
type Operation[T any] func(ctx context.Context) (T, error)

// Outcome is the result of one attempt: either a value or a classified error.
type Outcome[T any] struct {
	Value T
	Err   *shared.ClassifiedError
}

// OK reports whether the attempt succeeded.
func (o Outcome[T]) OK() bool {
	return o.Err == nil
}

func attempt[T any](ctx context.Context, op Operation[T]) Outcome[T] {
	v, err := op(ctx)
	if err != nil {
		return Outcome[T]{Err: shared.Classify(err)}
	}
	return Outcome[T]{Value: v}
}

// Do runs op until it succeeds, the retry budget is spent, or a failure of a
// kind outside cfg.RetryableKinds occurs. At most cfg.MaxRetries+1 invocations
// happen, one at a time. Every failure is logged before the retry decision.
//
// The returned error is always a *shared.ClassifiedError describing the last
// failure; an invalid cfg yields a VALIDATION one before op runs. Cancelling
// ctx stops the run during the backoff wait; the result then wraps ctx.Err()
// and its message keeps the kind and text of the last failure.
func Do[T any](ctx context.Context, cfg Config, oc OperationContext, op Operation[T]) (T, error) {
	var zero T
	if err := cfg.Validate(); err != nil {
		return zero, shared.Classify(err)
	}

	oc = oc.withDefaults(CorrelationFromContext(ctx))
	log := cfg.logger().With(slog.String("category", LogCategory)).With(oc.attrs()...)
	start := time.Now()
	attempts := 0

	finish := func(err error) {
		if cfg.OnFinish != nil {
			cfg.OnFinish(oc, attempts, err, time.Since(start))
		}
	}

	var last *shared.ClassifiedError
	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			last = interrupted(err, last)
			break
		}

		out := attempt(ctx, op)
		attempts++
		if out.OK() {
			if n > 0 {
				log.LogAttrs(ctx, slog.LevelInfo, "operation succeeded after retries", slog.Int("attempt", n+1))
			}
			finish(nil)
			return out.Value, nil
		}
		last = out.Err

		willRetry := n < cfg.MaxRetries && cfg.RetryableKinds.Has(last.Kind) && ctx.Err() == nil
		log.LogAttrs(ctx, slog.LevelError, "operation attempt failed",
			slog.Int("attempt", n+1),
			slog.Int("max_retries", cfg.MaxRetries),
			slog.String("kind", last.Kind.String()),
			slog.Int("status", last.StatusCode),
			slog.Bool("will_retry", willRetry),
			slog.String("error", last.Message),
		)
		if !willRetry {
			break
		}

		delay := ComputeDelay(n, cfg)
		log.LogAttrs(ctx, slog.LevelInfo, "retrying operation",
			slog.Int("retry", n+1),
			slog.Int("max_retries", cfg.MaxRetries),
			slog.Duration("delay", delay),
		)
		if cfg.OnRetry != nil {
			cfg.OnRetry(oc, n+1, last, delay)
		}

		select {
		case <-ctx.Done():
			last = interrupted(ctx.Err(), last)
		case <-cfg.after(delay):
			continue
		}
		break
	}

	finish(last)
	return zero, last
}

// interrupted builds the terminal error for a run stopped by its context.
func interrupted(ctxErr error, last *shared.ClassifiedError) *shared.ClassifiedError {
	ce := shared.Classify(ctxErr)
	if last == nil {
		return ce
	}
	return &shared.ClassifiedError{
		Kind:    ce.Kind,
		Message: fmt.Sprintf("%s (last failure %s: %s)", ce.Message, last.Kind, last.Message),
		Cause:   fmt.Errorf("%w (last failure: %w)", ctxErr, last),
	}
}

// DoErr is Do for operations without a result value.
func DoErr(ctx context.Context, cfg Config, oc OperationContext, op func(ctx context.Context) error) error {
	_, err := Do(ctx, cfg, oc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Retry is a convenience function that uses the default configuration.
func Retry[T any](ctx context.Context, name string, op Operation[T]) (T, error) {
	return Do(ctx, DefaultConfig(), OperationContext{Name: name}, op)
}

// Wrap returns a function with the same signature as fn that runs every call
// through Do. contextOf derives the OperationContext from the call argument.
//
//	getProduct := retry.Wrap(api.GetProduct, func(id string) retry.OperationContext {
//	    return retry.OperationContext{Name: "erp.get_product"}.With("erpId", id)
//	}, cfg)
//	product, err := getProduct(ctx, "42")
func Wrap[A, T any](fn func(context.Context, A) (T, error), contextOf func(A) OperationContext, cfg Config) func(context.Context, A) (T, error) {
	return func(ctx context.Context, a A) (T, error) {
		return Do(ctx, cfg, contextOf(a), func(ctx context.Context) (T, error) {
			return fn(ctx, a)
		})
	}
}

// Wrap2 is Wrap for two-argument functions.
func Wrap2[A, B, T any](fn func(context.Context, A, B) (T, error), contextOf func(A, B) OperationContext, cfg Config) func(context.Context, A, B) (T, error) {
	return func(ctx context.Context, a A, b B) (T, error) {
		return Do(ctx, cfg, contextOf(a, b), func(ctx context.Context) (T, error) {
			return fn(ctx, a, b)
		})
	}
}
