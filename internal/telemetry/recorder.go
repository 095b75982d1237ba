// Package telemetry exposes the pipeline's own health as Prometheus metrics.
package telemetry

import "time"

// EnrichOutcome labels the result of one enrichment call.
type EnrichOutcome string

const (
	EnrichFound   EnrichOutcome = "found"
	EnrichEmpty   EnrichOutcome = "empty"
	EnrichFailed  EnrichOutcome = "failed"
	EnrichRetry   EnrichOutcome = "retry"
	EnrichSkipped EnrichOutcome = "skipped"
)

// Recorder receives pipeline health signals. Components take a Recorder
// and default to NoopRecorder.
type Recorder interface {
	SetSubscriberLastPoll(subscriber string, t time.Time)
	AddSubscriberEvents(subscriber string, n int)
	IncSubscriberSkipped(subscriber, reason string)
	IncWriterFailure(writer string)
	AddPublisherRejected(n int)
	SetBufferRemaining(n int)
	ObserveDrain(n int, err error)
	IncEnrichment(outcome EnrichOutcome)
}

// NoopRecorder drops every signal.
type NoopRecorder struct{}

func (NoopRecorder) SetSubscriberLastPoll(string, time.Time) {}
func (NoopRecorder) AddSubscriberEvents(string, int)         {}
func (NoopRecorder) IncSubscriberSkipped(string, string)     {}
func (NoopRecorder) IncWriterFailure(string)                 {}
func (NoopRecorder) AddPublisherRejected(int)                {}
func (NoopRecorder) SetBufferRemaining(int)                  {}
func (NoopRecorder) ObserveDrain(int, error)                 {}
func (NoopRecorder) IncEnrichment(EnrichOutcome)             {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
