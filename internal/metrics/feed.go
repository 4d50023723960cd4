package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for relay links, verification, fetch rounds and publishing
var (
	// Connection metrics
	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nosteen_relay_open_connections",
		Help: "The number of currently open relay connections",
	})

	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nosteen_relay_connect_attempts_total",
		Help: "Relay connect attempts by result",
	}, []string{"result"}) // "success", "failure"

	ReconnectsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nosteen_relay_reconnects_scheduled_total",
		Help: "The total number of reconnects scheduled with backoff",
	})

	BackoffDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nosteen_relay_backoff_delay_seconds",
		Help:    "Scheduled reconnect delays",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1, 2, 4, ..., 512
	})

	// Frame metrics
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nosteen_frames_received_total",
		Help: "Inbound frames by type",
	}, []string{"type"}) // "EVENT", "EOSE", "OK", ...

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nosteen_frames_dropped_total",
		Help: "Inbound frames dropped by reason",
	}, []string{"reason"})

	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nosteen_frames_sent_total",
		Help: "Outbound frames by type",
	}, []string{"type"})

	// Mux metrics
	MuxBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nosteen_mux_batches_total",
		Help: "Debounced event batches flushed by multiplexed subscriptions",
	})

	MuxEOSE = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nosteen_mux_eose_total",
		Help: "Muxed end-of-stream signals by cause",
	}, []string{"cause"}) // "countdown", "timeout", "empty"

	// Verification metrics
	EventsVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nosteen_events_verified_total",
		Help: "Signature verifications performed",
	})

	EventsReconfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nosteen_events_reconfirmed_total",
		Help: "Known events accepted again without re-verification",
	})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nosteen_events_rejected_total",
		Help: "Events rejected by the verification pipeline by reason",
	}, []string{"reason"})

	PipelineQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nosteen_pipeline_queue_depth",
		Help: "Batches waiting in the verification pipeline",
	})

	PipelineAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nosteen_pipeline_aborts_total",
		Help: "Verification drains aborted by a fatal error",
	})

	// Fetch metrics
	FetchRounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nosteen_fetch_rounds_total",
		Help: "Network rounds issued by the fetch scheduler",
	})

	FetchCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nosteen_fetch_cache_hits_total",
		Help: "Fetch requests satisfied from the local cache",
	})

	FetchRoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nosteen_fetch_round_duration_seconds",
		Help:    "Duration of fetch rounds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// Publish metrics
	PublishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nosteen_publish_results_total",
		Help: "Per-endpoint publish outcomes",
	}, []string{"result"}) // "ok", "failed"
	PublishJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nosteen_publish_jobs",
		Help: "Publish sends queued or running",
	})

	// Post metrics
	UnreadPosts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nosteen_unread_posts",
		Help: "Distinct unread posts across all streams",
	})
)

// Global counters for the status endpoint (since prometheus metrics can't be read directly)
var (
	verifiedCount  int64
	rejectedCount  int64
	lastEventUnix  int64
	eventWindow    = NewSlidingWindow(60*time.Second, 10000)
	openConnsCount int64
)

// IncrementVerified counts one signature verification
func IncrementVerified() {
	EventsVerified.Inc()
	atomic.AddInt64(&verifiedCount, 1)
	atomic.StoreInt64(&lastEventUnix, time.Now().Unix())
	eventWindow.Add()
}

// GetVerifiedCount returns the number of signature verifications since start
func GetVerifiedCount() int64 {
	return atomic.LoadInt64(&verifiedCount)
}

// IncrementRejected counts one rejected event
func IncrementRejected(reason string) {
	EventsRejected.WithLabelValues(reason).Inc()
	atomic.AddInt64(&rejectedCount, 1)
}

// GetRejectedCount returns the number of rejected events since start
func GetRejectedCount() int64 {
	return atomic.LoadInt64(&rejectedCount)
}

// GetEventsPerSecond calculates verifications per second using a sliding window
func GetEventsPerSecond() float64 {
	return eventWindow.Rate()
}

// IncrementOpenConnections records a newly opened relay link
func IncrementOpenConnections() {
	OpenConnections.Inc()
	atomic.AddInt64(&openConnsCount, 1)
}

// DecrementOpenConnections records a lost or closed relay link
func DecrementOpenConnections() {
	OpenConnections.Dec()
	atomic.AddInt64(&openConnsCount, -1)
}

// GetOpenConnections returns the number of open relay links
func GetOpenConnections() int64 {
	return atomic.LoadInt64(&openConnsCount)
}

// RegisterMetrics ensures all labelled metrics are registered with Prometheus
func RegisterMetrics() {
	for _, result := range []string{"success", "failure"} {
		ConnectAttempts.WithLabelValues(result)
	}
	for _, t := range []string{"EVENT", "EOSE", "OK", "NOTICE", "AUTH", "COUNT", "CLOSED"} {
		FramesReceived.WithLabelValues(t)
	}
	for _, t := range []string{"REQ", "CLOSE", "EVENT", "AUTH", "COUNT"} {
		FramesSent.WithLabelValues(t)
	}
	for _, reason := range []string{"malformed", "unknown_sub", "bad_shape", "filter_mismatch", "bad_signature"} {
		FramesDropped.WithLabelValues(reason)
	}
	for _, cause := range []string{"countdown", "timeout", "empty"} {
		MuxEOSE.WithLabelValues(cause)
	}
	for _, reason := range []string{"bad_signature", "signature_mismatch", "author_mismatch", "malformed"} {
		EventsRejected.WithLabelValues(reason)
	}
	for _, result := range []string{"ok", "failed"} {
		PublishResults.WithLabelValues(result)
	}
}
