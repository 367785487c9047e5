package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the duplex pipeline.
type Metrics struct {
	// Capture path
	ChunksCaptured prometheus.Counter
	ChunksDropped  prometheus.Counter

	// Playback path
	UnitsScheduled prometheus.Counter
	UnitsFinished  prometheus.Counter
	Underruns      prometheus.Counter
	Backlog        prometheus.Gauge

	// Supervision
	OverflowCutovers prometheus.Counter
	UnitsDiscarded   prometheus.Counter
	Interruptions    prometheus.Counter
	Reconnects       prometheus.Counter
	FormatErrors     prometheus.Counter
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process-wide metrics set, registering it on the
// default registry on first use.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = &Metrics{
			ChunksCaptured: promauto.NewCounter(prometheus.CounterOpts{
				Name: "talkpipe_capture_chunks_total",
				Help: "Encoded capture chunks handed to the outbound queue",
			}),
			ChunksDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "talkpipe_capture_chunks_dropped_total",
				Help: "Capture chunks dropped because the outbound queue was full or the transport was not ready",
			}),
			UnitsScheduled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "talkpipe_playback_units_scheduled_total",
				Help: "Playback units placed on the timeline",
			}),
			UnitsFinished: promauto.NewCounter(prometheus.CounterOpts{
				Name: "talkpipe_playback_units_finished_total",
				Help: "Playback units that played to completion",
			}),
			Underruns: promauto.NewCounter(prometheus.CounterOpts{
				Name: "talkpipe_playback_underruns_total",
				Help: "Times the timeline cursor fell behind the device clock",
			}),
			Backlog: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "talkpipe_playback_backlog_units",
				Help: "Units scheduled but not yet finished",
			}),
			OverflowCutovers: promauto.NewCounter(prometheus.CounterOpts{
				Name: "talkpipe_overflow_cutovers_total",
				Help: "Emergency cutovers forced by the overflow guard",
			}),
			UnitsDiscarded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "talkpipe_playback_units_discarded_total",
				Help: "Units discarded by overflow cutover or interruption",
			}),
			Interruptions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "talkpipe_interruptions_total",
				Help: "Barge-in signals handled",
			}),
			Reconnects: promauto.NewCounter(prometheus.CounterOpts{
				Name: "talkpipe_reconnects_total",
				Help: "Transport reconnection attempts",
			}),
			FormatErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "talkpipe_format_errors_total",
				Help: "Malformed wire chunks dropped",
			}),
		}
	})
	return defaultMetrics
}
