// Package metrics exposes Prometheus collectors for outbound ERP calls,
// retry runs, sync results, inbound webhooks and scheduled jobs.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"erpsync/internal/shared"
	"erpsync/pkg/retry"
)

const namespace = "erpsync"

// Result label values.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultDeferred = "deferred"
)

var (
	outboundRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "erp",
			Name:      "requests_total",
			Help:      "Total number of outbound ERP HTTP requests",
		},
		[]string{"method", "status"},
	)

	outboundDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "erp",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound ERP HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"method"},
	)

	retryRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "retries_total",
			Help:      "Total number of retries scheduled by error kind",
		},
		[]string{"operation", "kind"},
	)

	retryBackoffSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "backoff_seconds",
			Help:      "Backoff waits before retries in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	retryRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "runs_total",
			Help:      "Total number of orchestrated runs by terminal kind",
		},
		[]string{"operation", "result", "kind"},
	)

	retryRunDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "run_duration_seconds",
			Help:      "Total duration of orchestrated runs in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)

	syncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "entities_total",
			Help:      "Total number of entity synchronizations by result",
		},
		[]string{"entity", "action", "result"},
	)

	webhookRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Total number of inbound webhook requests",
		},
		[]string{"route", "status"},
	)

	webhookDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "duration_seconds",
			Help:      "Duration of inbound webhook requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	jobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Total number of scheduled job runs by result",
		},
		[]string{"job", "result"},
	)

	jobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled job runs in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)

// ObserveOutbound records one outbound request. status 0 means the request
// never got a response.
func ObserveOutbound(method string, status int, dur time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	outboundRequestsTotal.WithLabelValues(method, label).Inc()
	outboundDurationSeconds.WithLabelValues(method).Observe(dur.Seconds())
}

// Instrument returns cfg with OnRetry and OnFinish hooks that feed the retry
// collectors. Hooks already set on cfg still run.
func Instrument(cfg retry.Config) retry.Config {
	prevRetry, prevFinish := cfg.OnRetry, cfg.OnFinish

	cfg.OnRetry = func(oc retry.OperationContext, n int, err *shared.ClassifiedError, delay time.Duration) {
		retryRetriesTotal.WithLabelValues(oc.Name, err.Kind.String()).Inc()
		retryBackoffSeconds.WithLabelValues(oc.Name).Observe(delay.Seconds())
		if prevRetry != nil {
			prevRetry(oc, n, err, delay)
		}
	}
	cfg.OnFinish = func(oc retry.OperationContext, attempts int, err error, elapsed time.Duration) {
		result, kind := ResultSuccess, "NONE"
		if err != nil {
			result, kind = ResultFailure, shared.KindOf(err).String()
		}
		retryRunsTotal.WithLabelValues(oc.Name, result, kind).Inc()
		retryRunDurationSeconds.WithLabelValues(oc.Name, result).Observe(elapsed.Seconds())
		if prevFinish != nil {
			prevFinish(oc, attempts, err, elapsed)
		}
	}
	return cfg
}

// RecordSync counts one entity synchronization.
func RecordSync(entity, action, result string) {
	syncTotal.WithLabelValues(entity, action, result).Inc()
}

// ObserveWebhook records one inbound webhook request.
func ObserveWebhook(route string, status int, dur time.Duration) {
	webhookRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	webhookDurationSeconds.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveJob records one scheduled job run. Its signature matches the
// scheduler's OnJobFinish hook.
func ObserveJob(name string, dur time.Duration, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	jobRunsTotal.WithLabelValues(name, result).Inc()
	jobDurationSeconds.WithLabelValues(name).Observe(dur.Seconds())
}
