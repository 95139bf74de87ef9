package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sync engine collectors. Kept in a leaf package so service, watcher and
// httpapi can all record without importing each other.

var (
	SyncPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_sync_passes_total",
		Help: "Sync passes by provider and result",
	}, []string{"provider", "result"})

	SyncPassDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meetsync_sync_pass_duration_seconds",
		Help:    "Wall-clock duration of a sync pass",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})

	MeetingsUpserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_meetings_upserted_total",
		Help: "Meetings written with changed content",
	}, []string{"provider"})

	MeetingsCanceled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_meetings_canceled_total",
		Help: "Meetings transitioned to canceled by the cancellation diff",
	}, []string{"provider"})

	RecordsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_records_skipped_total",
		Help: "Malformed upstream records skipped during a pass",
	}, []string{"provider"})

	MirrorWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_mirror_writes_total",
		Help: "Google Calendar mirror writes by operation and result",
	}, []string{"op", "result"})

	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_token_refreshes_total",
		Help: "OAuth token refresh calls by provider and result",
	}, []string{"provider", "result"})

	SchedulerDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meetsync_scheduler_dropped_total",
		Help: "Due accounts dropped because the worker queue was full",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_http_requests_total",
		Help: "Boundary HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meetsync_http_request_duration_seconds",
		Help:    "Boundary HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Register registers the collectors on the given registry (or default if nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		SyncPasses, SyncPassDuration, MeetingsUpserted, MeetingsCanceled,
		RecordsSkipped, MirrorWrites, TokenRefreshes, SchedulerDropped,
		HTTPRequests, HTTPRequestDuration,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// ObservePass records the outcome of one sync pass.
func ObservePass(provider, result string, started time.Time, upserted, canceled, skipped int) {
	SyncPasses.WithLabelValues(provider, result).Inc()
	SyncPassDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
	MeetingsUpserted.WithLabelValues(provider).Add(float64(upserted))
	MeetingsCanceled.WithLabelValues(provider).Add(float64(canceled))
	RecordsSkipped.WithLabelValues(provider).Add(float64(skipped))
}
