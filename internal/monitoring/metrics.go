package monitoring

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/farhan-ahmed1/llmhub/internal/logger"
	"github.com/farhan-ahmed1/llmhub/internal/queue"
)

// Submission outcomes
const (
	SubmissionCacheHit     = "cache_hit"
	SubmissionEnqueued     = "enqueued"
	SubmissionDeduplicated = "deduplicated"
	SubmissionRejected     = "rejected"
)

// Attempt outcomes
const (
	AttemptSuccess     = "success"
	AttemptRetry       = "retry"
	AttemptFailed      = "failed"
	AttemptInterrupted = "interrupted"
)

const namespace = "llmhub"

// Metrics exports pipeline metrics to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components can run
// without instrumentation.
type Metrics struct {
	registry *prometheus.Registry
	queue    queue.Queue

	submissions    *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
	deadLetters    prometheus.Gauge
	activeWorkers  prometheus.Gauge
	busyWorkers    prometheus.Gauge

	mu             sync.RWMutex
	lastStats      queue.Stats
	lastQueueCheck time.Time
}

// NewMetrics creates the collectors on reg. A nil reg gets a private
// registry with the Go runtime and process collectors. q may be nil when
// queue depth is not tracked by this process.
func NewMetrics(q queue.Queue, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		queue:    q,
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Generation submissions by outcome.",
		}, []string{"outcome"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_attempts_total",
			Help:      "Backend generation attempts by outcome.",
		}, []string{"outcome"}),
		backendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_generate_seconds",
			Help:      "Latency of backend generate calls.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"model"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Task descriptors in the queue by state.",
		}, []string{"state"}),
		deadLetters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_dead_letters",
			Help:      "Task descriptors parked in the dead letter queue.",
		}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Running generation workers.",
		}),
		busyWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Generation workers currently processing a descriptor.",
		}),
	}
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordSubmission counts one orchestrator submission
func (m *Metrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// RecordAttempt counts one backend attempt and observes its latency
func (m *Metrics) RecordAttempt(model, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.backendLatency.WithLabelValues(model).Observe(duration.Seconds())
}

// RegisterWorker marks a worker as started
func (m *Metrics) RegisterWorker() {
	if m == nil {
		return
	}
	m.activeWorkers.Inc()
}

// UnregisterWorker marks a worker as stopped
func (m *Metrics) UnregisterWorker() {
	if m == nil {
		return
	}
	m.activeWorkers.Dec()
}

// MarkWorkerBusy marks a worker as processing
func (m *Metrics) MarkWorkerBusy() {
	if m == nil {
		return
	}
	m.busyWorkers.Inc()
}

// MarkWorkerIdle marks a worker as waiting for work
func (m *Metrics) MarkWorkerIdle() {
	if m == nil {
		return
	}
	m.busyWorkers.Dec()
}

// UpdateQueueDepth reads queue stats and refreshes the depth gauges
func (m *Metrics) UpdateQueueDepth(ctx context.Context) error {
	if m == nil || m.queue == nil {
		return nil
	}

	stats, err := m.queue.Stats(ctx)
	if err != nil {
		return err
	}

	m.queueDepth.WithLabelValues("ready").Set(float64(stats.Ready))
	m.queueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
	m.queueDepth.WithLabelValues("in_flight").Set(float64(stats.InFlight))
	m.deadLetters.Set(float64(stats.DeadLetters))

	m.mu.Lock()
	m.lastStats = stats
	m.lastQueueCheck = time.Now()
	m.mu.Unlock()
	return nil
}

// QueueStats returns the stats seen by the last UpdateQueueDepth
func (m *Metrics) QueueStats() (queue.Stats, time.Time) {
	if m == nil {
		return queue.Stats{}, time.Time{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastStats, m.lastQueueCheck
}

// Run refreshes queue depth every interval until ctx is done
func (m *Metrics) Run(ctx context.Context, interval time.Duration, log *logger.Logger) {
	if m == nil || m.queue == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.UpdateQueueDepth(ctx); err != nil && ctx.Err() == nil && log != nil {
			log.Warn("Failed to refresh queue depth", logger.Fields{
				"error": err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
