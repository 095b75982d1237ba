package telemetry

import (
	"errors"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	t.Parallel()
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.AddPublisherRejected(3)
	r.AddPublisherRejected(0)
	r.ObserveDrain(5, nil)
	r.ObserveDrain(2, errors.New("downstream"))
	r.IncEnrichment(EnrichFound)
	r.IncEnrichment(EnrichFound)
	r.IncWriterFailure("log")
	r.SetSubscriberLastPoll("program_status_event_publisher", time.Unix(100, 0))

	assert.Equal(t, 3.0, testutil.ToFloat64(r.rejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.drainFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.enrichments.WithLabelValues("found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.writerFailures.WithLabelValues("log")))
	assert.Equal(t, 100.0, testutil.ToFloat64(r.lastPoll.WithLabelValues("program_status_event_publisher")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilRecorderIsSafe(t *testing.T) {
	t.Parallel()
	var r *PrometheusRecorder
	assert.NotPanics(t, func() {
		r.AddPublisherRejected(1)
		r.ObserveDrain(1, nil)
		r.IncEnrichment(EnrichEmpty)
	})
	assert.IsType(t, NoopRecorder{}, OrNoop(nil))
}
