// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Click processing outcomes reported by the consumer.
const (
	OutcomeApplied   = "applied"
	OutcomeNotFound  = "not_found"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeRequeued  = "requeued"
)

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus or keep them in memory for tests.
type Recorder interface {
	// Redirect metrics
	IncRedirectCacheHit()
	IncRedirectCacheMiss()
	ObserveRedirectDuration(duration time.Duration)

	// Link management metrics
	IncLinkCreated()

	// Click pipeline metrics
	IncClickPublished(status string) // status: "success" or "dropped"
	IncClickProcessed(outcome string)
	ObserveClickProcessDuration(duration time.Duration)
	IncBrokerReconnect(status string) // status: "success" or "failed"
	SetConsumerRunning(running bool)
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
