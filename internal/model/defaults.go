package model

import "time"

// Shared defaults used by the server and its components.
const (
	DefaultBufferCapacity     = 1000
	DefaultDrainPeriod        = 10 * time.Second
	DefaultContextExpiry      = time.Hour
	DefaultRequestStartExpiry = 10 * time.Minute
	DefaultPollInterval       = 5 * time.Second
	DefaultPollBatchSize      = 100

	// EventVersion is the schema version stamped on every emitted status event.
	EventVersion = "v1"
)
