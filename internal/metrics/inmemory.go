package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	RedirectCacheHits       uint64
	RedirectCacheMisses     uint64
	RedirectDurationCount   uint64
	RedirectDurationTotalNs int64
	LinksCreated            uint64

	ClicksPublished uint64
	ClicksDropped   uint64

	ClicksApplied   uint64
	ClicksNotFound  uint64
	ClicksDuplicate uint64
	ClicksRejected  uint64
	ClicksRequeued  uint64

	ClickProcessCount   uint64
	ClickProcessTotalNs int64

	BrokerReconnects        uint64
	BrokerReconnectFailures uint64
	ConsumerRunning         bool
}

// InMemoryRecorder stores metrics in memory for tests.
type InMemoryRecorder struct {
	redirectCacheHits       uint64
	redirectCacheMisses     uint64
	redirectDurationCount   uint64
	redirectDurationTotalNs int64
	linksCreated            uint64

	clicksPublished uint64
	clicksDropped   uint64

	clicksApplied   uint64
	clicksNotFound  uint64
	clicksDuplicate uint64
	clicksRejected  uint64
	clicksRequeued  uint64

	clickProcessCount   uint64
	clickProcessTotalNs int64

	brokerReconnects        uint64
	brokerReconnectFailures uint64
	consumerRunning         atomic.Bool
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	return Snapshot{
		RedirectCacheHits:       atomic.LoadUint64(&m.redirectCacheHits),
		RedirectCacheMisses:     atomic.LoadUint64(&m.redirectCacheMisses),
		RedirectDurationCount:   atomic.LoadUint64(&m.redirectDurationCount),
		RedirectDurationTotalNs: atomic.LoadInt64(&m.redirectDurationTotalNs),
		LinksCreated:            atomic.LoadUint64(&m.linksCreated),
		ClicksPublished:         atomic.LoadUint64(&m.clicksPublished),
		ClicksDropped:           atomic.LoadUint64(&m.clicksDropped),
		ClicksApplied:           atomic.LoadUint64(&m.clicksApplied),
		ClicksNotFound:          atomic.LoadUint64(&m.clicksNotFound),
		ClicksDuplicate:         atomic.LoadUint64(&m.clicksDuplicate),
		ClicksRejected:          atomic.LoadUint64(&m.clicksRejected),
		ClicksRequeued:          atomic.LoadUint64(&m.clicksRequeued),
		ClickProcessCount:       atomic.LoadUint64(&m.clickProcessCount),
		ClickProcessTotalNs:     atomic.LoadInt64(&m.clickProcessTotalNs),
		BrokerReconnects:        atomic.LoadUint64(&m.brokerReconnects),
		BrokerReconnectFailures: atomic.LoadUint64(&m.brokerReconnectFailures),
		ConsumerRunning:         m.consumerRunning.Load(),
	}
}

// IncRedirectCacheHit increments cache hit counter.
func (m *InMemoryRecorder) IncRedirectCacheHit() {
	atomic.AddUint64(&m.redirectCacheHits, 1)
}

// IncRedirectCacheMiss increments cache miss counter.
func (m *InMemoryRecorder) IncRedirectCacheMiss() {
	atomic.AddUint64(&m.redirectCacheMisses, 1)
}

// ObserveRedirectDuration records redirect duration.
func (m *InMemoryRecorder) ObserveRedirectDuration(duration time.Duration) {
	atomic.AddUint64(&m.redirectDurationCount, 1)
	atomic.AddInt64(&m.redirectDurationTotalNs, duration.Nanoseconds())
}

// IncLinkCreated increments link created counter.
func (m *InMemoryRecorder) IncLinkCreated() {
	atomic.AddUint64(&m.linksCreated, 1)
}

// IncClickPublished counts a publish attempt by status.
func (m *InMemoryRecorder) IncClickPublished(status string) {
	if status == "success" {
		atomic.AddUint64(&m.clicksPublished, 1)
		return
	}
	atomic.AddUint64(&m.clicksDropped, 1)
}

// IncClickProcessed counts a consumed message by outcome.
func (m *InMemoryRecorder) IncClickProcessed(outcome string) {
	switch outcome {
	case OutcomeApplied:
		atomic.AddUint64(&m.clicksApplied, 1)
	case OutcomeNotFound:
		atomic.AddUint64(&m.clicksNotFound, 1)
	case OutcomeDuplicate:
		atomic.AddUint64(&m.clicksDuplicate, 1)
	case OutcomeRejected:
		atomic.AddUint64(&m.clicksRejected, 1)
	case OutcomeRequeued:
		atomic.AddUint64(&m.clicksRequeued, 1)
	}
}

// ObserveClickProcessDuration records per-message processing time.
func (m *InMemoryRecorder) ObserveClickProcessDuration(duration time.Duration) {
	atomic.AddUint64(&m.clickProcessCount, 1)
	atomic.AddInt64(&m.clickProcessTotalNs, duration.Nanoseconds())
}

// IncBrokerReconnect counts a consumer channel re-establishment attempt.
func (m *InMemoryRecorder) IncBrokerReconnect(status string) {
	if status == "success" {
		atomic.AddUint64(&m.brokerReconnects, 1)
		return
	}
	atomic.AddUint64(&m.brokerReconnectFailures, 1)
}

// SetConsumerRunning records whether the consumer loop is in the RUNNING state.
func (m *InMemoryRecorder) SetConsumerRunning(running bool) {
	m.consumerRunning.Store(running)
}
