package analytics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/linkpulse/linkpulse/internal/broker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChannel is an in-memory broker.Channel.
type fakeChannel struct {
	mu         sync.Mutex
	closed     bool
	declared   []string
	prefetch   []int
	consumers  []string
	cancelled  []string
	published  []amqp.Publishing
	routingKey []string
	deliveries chan amqp.Delivery

	declareErr error
	qosErr     error
	consumeErr error
	publishErr error

	// stall, when set, blocks PublishWithContext until closed, ignoring ctx
	// the way a write on a flow-blocked connection does.
	stall   chan struct{}
	stalled int
}

var _ broker.Channel = (*fakeChannel)(nil)

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return amqp.Queue{}, c.declareErr
	}
	if !durable || autoDelete || exclusive {
		return amqp.Queue{}, errors.New("unexpected queue flags")
	}
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qosErr != nil {
		return c.qosErr
	}
	c.prefetch = append(c.prefetch, prefetchCount)
	return nil
}

func (c *fakeChannel) ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	if autoAck {
		return nil, errors.New("auto ack not expected")
	}
	c.consumers = append(c.consumers, consumer)
	return c.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	if stall := c.stall; stall != nil {
		c.stalled++
		c.mu.Unlock()
		<-stall
		c.mu.Lock()
	}
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if c.publishErr != nil {
		return c.publishErr
	}
	c.routingKey = append(c.routingKey, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, consumer)
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	return nil
}

// drop simulates the broker closing the channel.
func (c *fakeChannel) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.deliveries)
	}
}

func (c *fakeChannel) stalledCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalled
}

func (c *fakeChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

// fakeOpener hands out fresh fake channels.
type fakeOpener struct {
	mu       sync.Mutex
	channels []*fakeChannel
	failures int
	err      error
	prepare  func(*fakeChannel)
}

func (o *fakeOpener) Channel(ctx context.Context) (broker.Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failures > 0 {
		o.failures--
		return nil, o.err
	}
	ch := newFakeChannel()
	if o.prepare != nil {
		o.prepare(ch)
	}
	o.channels = append(o.channels, ch)
	return ch, nil
}

func (o *fakeOpener) failNext(n int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = n
	o.err = err
}

func (o *fakeOpener) opened() []*fakeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*fakeChannel, len(o.channels))
	copy(out, o.channels)
	return out
}

// settlement records how a delivery was settled.
type settlement struct {
	tag     uint64
	op      string
	requeue bool
}

// fakeAcknowledger implements amqp.Acknowledger.
type fakeAcknowledger struct {
	mu      sync.Mutex
	settled []settlement
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.record(settlement{tag: tag, op: "ack"})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.record(settlement{tag: tag, op: "nack", requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.record(settlement{tag: tag, op: "reject", requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) record(s settlement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, s)
}

func (a *fakeAcknowledger) all() []settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]settlement, len(a.settled))
	copy(out, a.settled)
	return out
}

// memoryCounterStore is an in-memory CounterStore with failure injection.
type memoryCounterStore struct {
	mu       sync.Mutex
	counts   map[string]int64
	applied  map[string]bool
	calls    int
	failures int
	failErr  error
}

func newMemoryCounterStore(counts map[string]int64) *memoryCounterStore {
	if counts == nil {
		counts = make(map[string]int64)
	}
	return &memoryCounterStore{counts: counts, applied: make(map[string]bool)}
}

func (s *memoryCounterStore) Increment(ctx context.Context, subjectID, messageID string) (IncrementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return 0, s.failErr
	}
	if messageID != "" && s.applied[messageID] {
		return IncrementDuplicate, nil
	}
	if _, ok := s.counts[subjectID]; !ok {
		return IncrementNotFound, nil
	}
	s.counts[subjectID]++
	if messageID != "" {
		s.applied[messageID] = true
	}
	return IncrementApplied, nil
}

func (s *memoryCounterStore) failNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failErr = err
}

func (s *memoryCounterStore) count(subjectID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counts[subjectID]
	return c, ok
}

func (s *memoryCounterStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
