// Package retry runs fallible operations with bounded retries, exponential
// backoff with jitter, and kind-based retry decisions.
//
// Key Features:
//   - Classified failures: every error is reduced to a shared.Kind before deciding
//   - Retry only for kinds listed in Config.RetryableKinds (NETWORK and SERVER by default)
//   - Exponential backoff with mandatory jitter in [0.5, 1.0), capped by MaxDelay
//   - Structured slog records for every failed attempt and every retry
//   - Observability hooks (OnRetry, OnFinish)
//   - Full testability support (Rand and After injection)
//   - Generic wrappers that keep the wrapped function's signature
//
// Basic Usage:
//
//	product, err := retry.Do(ctx, retry.DefaultConfig(), retry.OperationContext{Name: "erp.get_product"},
//	    func(ctx context.Context) (erp.Product, error) {
//	        return gw.GetProduct(ctx, id)
//	    })
//
// Advanced Configuration:
//
//	cfg := retry.Config{
//	    MaxRetries:            5,
//	    BaseDelay:             200 * time.Millisecond,
//	    MaxDelay:              10 * time.Second,
//	    UseExponentialBackoff: true,
//	    RetryableKinds:        shared.NewKindSet(shared.KindNetwork, shared.KindServer, shared.KindUnknown),
//	    Logger:                log,
//	}
//
// Attempt accounting: MaxRetries counts retries after the first try, so an
// operation runs at most MaxRetries+1 times. The run ends early when a failure
// has a kind outside RetryableKinds or the context is done.
//
// Do does not impose a deadline of its own. Callers bound the whole run with
// context.WithTimeout; the backoff wait returns as soon as the context is done.
package retry
