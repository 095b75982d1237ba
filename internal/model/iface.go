package model

import "context"

// MetricsPublisher forwards metric snapshots to a sink.
type MetricsPublisher interface {
	Initialize(ctx context.Context) error
	Publish(ctx context.Context, batch []MetricSnapshot) error
	Close() error
}

// NotificationLog is a durable, ordered notification source.
type NotificationLog interface {
	// Fetch returns up to limit notifications strictly after the offset.
	// An empty offset starts from the beginning of the topic.
	Fetch(ctx context.Context, topic, afterOffset string, limit int) ([]Notification, error)
}

// OffsetStore persists a subscriber's position per topic.
type OffsetStore interface {
	LoadOffset(ctx context.Context, topic, subscriber string) (string, error)
	StoreOffset(ctx context.Context, topic, subscriber, offset string) error
}

// MetricsProvider retrieves execution metrics for a run.
type MetricsProvider interface {
	RetrieveMetrics(ctx context.Context, runID string) (ExecutionMetrics, error)
}
