package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncRedirectCacheHit is a no-op.
func (n *NoopRecorder) IncRedirectCacheHit() {}

// IncRedirectCacheMiss is a no-op.
func (n *NoopRecorder) IncRedirectCacheMiss() {}

// ObserveRedirectDuration is a no-op.
func (n *NoopRecorder) ObserveRedirectDuration(duration time.Duration) {}

// IncLinkCreated is a no-op.
func (n *NoopRecorder) IncLinkCreated() {}

// IncClickPublished is a no-op.
func (n *NoopRecorder) IncClickPublished(status string) {}

// IncClickProcessed is a no-op.
func (n *NoopRecorder) IncClickProcessed(outcome string) {}

// ObserveClickProcessDuration is a no-op.
func (n *NoopRecorder) ObserveClickProcessDuration(duration time.Duration) {}

// IncBrokerReconnect is a no-op.
func (n *NoopRecorder) IncBrokerReconnect(status string) {}

// SetConsumerRunning is a no-op.
func (n *NoopRecorder) SetConsumerRunning(running bool) {}
