package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gate",
			Subsystem: "admission",
			Name:      "http_requests_total",
			Help:      "Count of requests reaching the admission layer",
		}, []string{"method", "status"})

		r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gate",
			Subsystem: "admission",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of admitted requests",
			Buckets:   histogramBuckets,
		}, []string{"method", "status"})

		r.rejectionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gate",
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Requests refused by the admission layer, by reason",
		}, []string{"reason"})

		collectors := []prometheus.Collector{r.requestTotal, r.requestLatency, r.rejectionTotal}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == r.requestTotal {
							r.requestTotal = v
						} else if collector == r.rejectionTotal {
							r.rejectionTotal = v
						}
					case *prometheus.HistogramVec:
						r.requestLatency = v
					}
				}
			}
		}

		// Live occupancy is read straight off the gate; re-registration on a
		// shared registry is ignored because GaugeFuncs cannot be swapped.
		_ = prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gate",
			Subsystem: "admission",
			Name:      "active_requests",
			Help:      "Requests currently holding an execution slot",
		}, func() float64 { return float64(r.throttler.Stats().ActiveRequests) }))
		_ = prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gate",
			Subsystem: "admission",
			Name:      "queued_requests",
			Help:      "Requests currently waiting in the admission queue",
		}, func() float64 { return float64(r.throttler.Stats().QueuedRequests) }))

		r.metricsInitialized = true
	})
}

func (r *Router) recordRequestMetrics(method string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRejection(reason string) {
	if !r.metricsInitialized {
		return
	}
	r.rejectionTotal.With(prometheus.Labels{"reason": reason}).Inc()
}
