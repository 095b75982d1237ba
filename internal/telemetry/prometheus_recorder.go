package telemetry

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "beacon"

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	once              sync.Once
	lastPoll          *prom.GaugeVec
	subscriberEvents  *prom.CounterVec
	subscriberSkipped *prom.CounterVec
	writerFailures    *prom.CounterVec
	rejected          prom.Counter
	bufferRemaining   prom.Gauge
	drainBatch        prom.Histogram
	drainFailures     prom.Counter
	enrichments       *prom.CounterVec
}

// NewPrometheusRecorder creates the collectors and registers them on reg.
// A nil reg gets a private registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.lastPoll = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriber_last_poll_timestamp_seconds",
			Help:      "Unix time of the last completed notification poll",
		}, []string{"subscriber"})
		pr.subscriberEvents = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_events_total",
			Help:      "Status events dispatched to writers",
		}, []string{"subscriber"})
		pr.subscriberSkipped = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_skipped_total",
			Help:      "Notifications skipped by reason",
		}, []string{"subscriber", "reason"})
		pr.writerFailures = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "writer_failures_total",
			Help:      "Failed batch writes per event writer",
		}, []string{"writer"})
		pr.rejected = prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "publisher_rejected_total",
			Help:      "Metric snapshots rejected because the buffer was full",
		})
		pr.bufferRemaining = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "publisher_buffer_remaining",
			Help:      "Remaining metric buffer capacity after the last drain",
		})
		pr.drainBatch = prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "publisher_drain_batch_size",
			Help:      "Snapshots forwarded per drain",
			Buckets:   prom.ExponentialBuckets(1, 4, 8),
		})
		pr.drainFailures = prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "publisher_drain_failures_total",
			Help:      "Drains whose downstream publish failed; the batch is lost",
		})
		pr.enrichments = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_results_total",
			Help:      "Execution metrics enrichment outcomes",
		}, []string{"outcome"})
		reg.MustRegister(pr.lastPoll, pr.subscriberEvents, pr.subscriberSkipped, pr.writerFailures,
			pr.rejected, pr.bufferRemaining, pr.drainBatch, pr.drainFailures, pr.enrichments)
	})
	return pr
}

func (p *PrometheusRecorder) SetSubscriberLastPoll(subscriber string, t time.Time) {
	if p == nil || p.lastPoll == nil {
		return
	}
	p.lastPoll.WithLabelValues(subscriber).Set(float64(t.UnixNano()) / 1e9)
}

func (p *PrometheusRecorder) AddSubscriberEvents(subscriber string, n int) {
	if p == nil || p.subscriberEvents == nil || n <= 0 {
		return
	}
	p.subscriberEvents.WithLabelValues(subscriber).Add(float64(n))
}

func (p *PrometheusRecorder) IncSubscriberSkipped(subscriber, reason string) {
	if p == nil || p.subscriberSkipped == nil {
		return
	}
	p.subscriberSkipped.WithLabelValues(subscriber, reason).Inc()
}

func (p *PrometheusRecorder) IncWriterFailure(writer string) {
	if p == nil || p.writerFailures == nil {
		return
	}
	p.writerFailures.WithLabelValues(writer).Inc()
}

func (p *PrometheusRecorder) AddPublisherRejected(n int) {
	if p == nil || p.rejected == nil || n <= 0 {
		return
	}
	p.rejected.Add(float64(n))
}

func (p *PrometheusRecorder) SetBufferRemaining(n int) {
	if p == nil || p.bufferRemaining == nil {
		return
	}
	p.bufferRemaining.Set(float64(n))
}

func (p *PrometheusRecorder) ObserveDrain(n int, err error) {
	if p == nil || p.drainBatch == nil {
		return
	}
	p.drainBatch.Observe(float64(n))
	if err != nil {
		p.drainFailures.Inc()
	}
}

func (p *PrometheusRecorder) IncEnrichment(outcome EnrichOutcome) {
	if p == nil || p.enrichments == nil {
		return
	}
	p.enrichments.WithLabelValues(string(outcome)).Inc()
}
