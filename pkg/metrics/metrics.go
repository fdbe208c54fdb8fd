// Package metrics exposes peepcast counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peepcast"

var (
	// diffDuration is a histogram of block differencing time per frame.
	diffDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "diff_duration_seconds",
			Help:      "Time spent differencing one frame against its baseline",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		},
	)

	// dirtyRatio is a histogram of the fraction of blocks that changed.
	dirtyRatio = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dirty_block_ratio",
			Help:      "Fraction of blocks that changed per differenced frame",
			Buckets:   []float64{0, .01, .05, .1, .25, .5, .75, 1},
		},
	)

	// updatesTotal counts update messages by side and outcome.
	updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Total number of update messages",
		},
		[]string{"side", "status"}, // side: sharer, viewer; status: sent, dropped, applied, stale, rejected
	)

	// keyframesTotal counts full frames by reason.
	keyframesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keyframes_total",
			Help:      "Total number of full-frame updates sent",
		},
		[]string{"reason"}, // first, resize, scale, drop, request, ack, pack, oversize
	)

	// bytesTotal counts wire bytes by direction.
	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total number of chunk bytes on the wire",
		},
		[]string{"direction"}, // tx, rx
	)

	// chunksTotal counts chunks by outcome.
	chunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Total number of chunks",
		},
		[]string{"status"}, // sent, received, invalid, expired
	)

	// keepAlivesTotal counts keep-alive messages sent.
	keepAlivesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_total",
			Help:      "Total number of keep-alive messages sent while idle",
		},
	)

	// rttSeconds is a histogram of round-trip samples.
	rttSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Round-trip time measured from echoed timestamps",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// qualityTier is the tier currently in use by the sharer.
	qualityTier = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quality_tier",
			Help:      "Quality tier index currently in use",
		},
	)

	// sessionsActive is a gauge of open sessions by state.
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of sessions by state",
		},
		[]string{"state"},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		diffDuration,
		dirtyRatio,
		updatesTotal,
		keyframesTotal,
		bytesTotal,
		chunksTotal,
		keepAlivesTotal,
		rttSeconds,
		qualityTier,
		sessionsActive,
	}
)

// NewRegistry returns a registry with every peepcast metric plus the Go
// runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordDiff records one differencing pass.
func RecordDiff(d time.Duration, dirty, total int) {
	diffDuration.Observe(d.Seconds())
	if total > 0 {
		dirtyRatio.Observe(float64(dirty) / float64(total))
	}
}

// RecordUpdate counts an update message outcome.
func RecordUpdate(side, status string) {
	updatesTotal.WithLabelValues(side, status).Inc()
}

// RecordKeyframe counts a full frame sent for reason.
func RecordKeyframe(reason string) {
	keyframesTotal.WithLabelValues(reason).Inc()
}

// RecordBytes counts wire bytes in direction "tx" or "rx".
func RecordBytes(direction string, n int) {
	bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordChunks counts n chunks with status.
func RecordChunks(status string, n int) {
	chunksTotal.WithLabelValues(status).Add(float64(n))
}

// RecordKeepAlive counts one keep-alive sent.
func RecordKeepAlive() {
	keepAlivesTotal.Inc()
}

// RecordRTT records a round-trip sample.
func RecordRTT(d time.Duration) {
	rttSeconds.Observe(d.Seconds())
}

// SetTier publishes the tier in use.
func SetTier(tier int) {
	qualityTier.Set(float64(tier))
}

// SessionTransition moves one session between state gauges. An empty from
// or to only adjusts the other side.
func SessionTransition(from, to string) {
	if from != "" {
		sessionsActive.WithLabelValues(from).Dec()
	}
	if to != "" {
		sessionsActive.WithLabelValues(to).Inc()
	}
}
