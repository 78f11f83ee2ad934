package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcomes used as the "outcome" label.
const (
	OutcomeSuccess  = "success"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
	OutcomeInactive = "inactive"
)

// DeliveryMetrics tracks callback attempts and backlog sizes.
type DeliveryMetrics struct {
	attempts  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	queue     prometheus.Gauge
	scheduled prometheus.Gauge
}

// NewDeliveryMetrics registers the delivery metrics on reg. A nil registerer
// returns a no-op recorder.
func NewDeliveryMetrics(reg prometheus.Registerer) *DeliveryMetrics {
	if reg == nil {
		return &DeliveryMetrics{}
	}
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_attempts_total",
		Help:      "Webhook delivery attempts by outcome.",
	}, []string{"outcome", "retry"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "delivery_duration_seconds",
		Help:      "Duration of outbound webhook calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"retry"})
	queue := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "work_queue_depth",
		Help:      "Event ids waiting for a first delivery attempt.",
	})
	scheduled := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "retry_schedule_size",
		Help:      "Event ids waiting in the delay schedule.",
	})
	reg.MustRegister(attempts, duration, queue, scheduled)
	return &DeliveryMetrics{
		attempts:  attempts,
		duration:  duration,
		queue:     queue,
		scheduled: scheduled,
	}
}

// ObserveAttempt records one finished delivery attempt.
func (d *DeliveryMetrics) ObserveAttempt(outcome string, retry bool, elapsed time.Duration) {
	if d == nil || d.attempts == nil {
		return
	}
	label := retryLabel(retry)
	d.attempts.WithLabelValues(normalizeLabel(outcome), label).Inc()
	if elapsed > 0 {
		d.duration.WithLabelValues(label).Observe(elapsed.Seconds())
	}
}

// SetBacklog publishes the current queue depth and schedule size.
func (d *DeliveryMetrics) SetBacklog(queueDepth, scheduled int64) {
	if d == nil || d.queue == nil {
		return
	}
	d.queue.Set(float64(queueDepth))
	d.scheduled.Set(float64(scheduled))
}

func retryLabel(retry bool) string {
	if retry {
		return "true"
	}
	return "false"
}
