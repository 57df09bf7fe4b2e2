package eventbus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors the shape used by the NomadCrew Redis publisher this
// backend is grounded on: latency histograms, a labeled error counter, and a
// gauge of active subscribers, plus a fallback counter specific to the
// distributed-to-in-process degradation this fabric treats as something that
// "should be surfaced as an operational alarm" rather than silently eaten.
type metrics struct {
	publishLatency    prometheus.Histogram
	subscribeLatency  prometheus.Histogram
	errorCount        *prometheus.CounterVec
	eventCount        *prometheus.CounterVec
	activeSubscribers prometheus.Gauge
	fallbackCount     prometheus.Counter
}

var (
	metricsInstance *metrics
	metricsOnce     sync.Once
)

func newMetrics() *metrics {
	metricsOnce.Do(func() {
		metricsInstance = &metrics{
			publishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "eventbus_publish_duration_seconds",
				Help:    "Time taken to publish an event to the distributed backend",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			}),
			subscribeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "eventbus_subscribe_duration_seconds",
				Help:    "Time taken to establish a distributed subscription",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			}),
			errorCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "eventbus_errors_total",
				Help: "Total event bus errors by operation",
			}, []string{"operation"}),
			eventCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "eventbus_events_total",
				Help: "Total events by operation and type",
			}, []string{"operation", "type"}),
			activeSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "eventbus_active_subscribers",
				Help: "Current number of active distributed subscribers",
			}),
			fallbackCount: promauto.NewCounter(prometheus.CounterOpts{
				Name: "eventbus_distributed_publish_fallback_total",
				Help: "Publishes that fell through from the distributed backend to the in-process broadcaster",
			}),
		}
	})
	return metricsInstance
}
