package analytics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/linkpulse/linkpulse/internal/metrics"
)

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		HealthInterval: 10 * time.Millisecond,
		RetryInterval:  20 * time.Millisecond,
		ProcessTimeout: time.Second,
		CloseTimeout:   time.Second,
		Retry:          fastRetry(0),
	}
}

type workerHarness struct {
	t        *testing.T
	opener   *fakeOpener
	store    *memoryCounterStore
	recorder *metrics.InMemoryRecorder
	worker   *Worker
	acks     *fakeAcknowledger
	cancel   context.CancelFunc
	errCh    chan error
	tag      atomic.Uint64
}

func startWorker(t *testing.T, store *memoryCounterStore, cfg WorkerConfig) *workerHarness {
	t.Helper()

	h := &workerHarness{
		t:        t,
		opener:   &fakeOpener{},
		store:    store,
		recorder: metrics.NewInMemory(),
		acks:     &fakeAcknowledger{},
		errCh:    make(chan error, 1),
	}
	sup := NewSupervisor(h.opener, "click_tracking_queue", testLogger())
	h.worker = NewWorker(sup, store, cfg, testLogger(), h.recorder)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errCh <- h.worker.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return h.worker.State() == StateRunning })

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.errCh:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return h
}

func (h *workerHarness) channel() *fakeChannel {
	chans := h.opener.opened()
	return chans[len(chans)-1]
}

// deliver pushes a message to the current consumer and returns its delivery tag.
func (h *workerHarness) deliver(body, messageID string) uint64 {
	tag := h.tag.Add(1)
	h.channel().deliveries <- amqp.Delivery{
		Acknowledger: h.acks,
		DeliveryTag:  tag,
		MessageId:    messageID,
		ContentType:  ContentType,
		Body:         []byte(body),
	}
	return tag
}

// settled waits for the delivery with tag to be settled and returns how.
func (h *workerHarness) settled(tag uint64) settlement {
	h.t.Helper()
	var found settlement
	waitFor(h.t, 2*time.Second, func() bool {
		for _, s := range h.acks.all() {
			if s.tag == tag {
				found = s
				return true
			}
		}
		return false
	})
	return found
}

func TestWorker_AppliesClick(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(map[string]int64{"U1": 5})
	h := startWorker(t, store, testWorkerConfig())

	tag := h.deliver(`{"ShortenedUrlId":"U1"}`, "01J0000000000000000000000A")
	s := h.settled(tag)

	if s.op != "ack" {
		t.Fatalf("expected ack, got %+v", s)
	}
	if count, _ := store.count("U1"); count != 6 {
		t.Errorf("expected count 6, got %d", count)
	}
	if got := len(h.acks.all()); got != 1 {
		t.Errorf("expected exactly one settlement, got %d", got)
	}
	snap := h.recorder.Snapshot()
	if snap.ClicksApplied != 1 {
		t.Errorf("expected 1 applied click, got %d", snap.ClicksApplied)
	}
	if snap.ClickProcessCount != 1 {
		t.Errorf("expected 1 duration observation, got %d", snap.ClickProcessCount)
	}
}

func TestWorker_ManyEventsSameSubject(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(map[string]int64{"U1": 10})
	h := startWorker(t, store, testWorkerConfig())

	const n = 7
	var last uint64
	for i := 0; i < n; i++ {
		last = h.deliver(`{"ShortenedUrlId":"U1"}`, "")
	}
	h.settled(last)

	if count, _ := store.count("U1"); count != 10+n {
		t.Errorf("expected count %d, got %d", 10+n, count)
	}
}

func TestWorker_RejectsMalformedWithoutRequeue(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(map[string]int64{"U1": 5})
	h := startWorker(t, store, testWorkerConfig())

	bodies := []string{`not json`, `{"ShortenedUrlId":`, ``}
	for _, body := range bodies {
		s := h.settled(h.deliver(body, ""))
		if s.op == "ack" || s.requeue {
			t.Errorf("body %q: expected permanent rejection, got %+v", body, s)
		}
	}

	if store.callCount() != 0 {
		t.Errorf("expected counter store not to be called, got %d calls", store.callCount())
	}
	if count, _ := store.count("U1"); count != 5 {
		t.Errorf("expected count unchanged, got %d", count)
	}
	snap := h.recorder.Snapshot()
	if snap.ClicksRejected != uint64(len(bodies)) {
		t.Errorf("expected %d rejected, got %d", len(bodies), snap.ClicksRejected)
	}
	if snap.ClickProcessCount != uint64(len(bodies)) {
		t.Errorf("expected rejections timed, got %d duration observations", snap.ClickProcessCount)
	}
}

func TestWorker_RejectsEmptySubject(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(nil)
	h := startWorker(t, store, testWorkerConfig())

	for _, body := range []string{`{"ShortenedUrlId":""}`, `{}`, `{"ShortenedUrlId":"  "}`} {
		s := h.settled(h.deliver(body, ""))
		if s.op != "reject" || s.requeue {
			t.Errorf("body %s: expected reject without requeue, got %+v", body, s)
		}
	}

	if store.callCount() != 0 {
		t.Errorf("expected counter store never called, got %d calls", store.callCount())
	}
}

func TestWorker_AcksUnknownSubject(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(nil)
	h := startWorker(t, store, testWorkerConfig())

	s := h.settled(h.deliver(`{"ShortenedUrlId":"U-missing"}`, ""))
	if s.op != "ack" {
		t.Fatalf("expected ack, got %+v", s)
	}
	if _, ok := store.count("U-missing"); ok {
		t.Error("expected no counter to be created")
	}
	if got := h.recorder.Snapshot().ClicksNotFound; got != 1 {
		t.Errorf("expected 1 not-found outcome, got %d", got)
	}
}

func TestWorker_RequeuesOnStorageFailure(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(map[string]int64{"U1": 5})
	store.failNext(1, errors.New("connection reset by peer"))
	h := startWorker(t, store, testWorkerConfig())

	body := `{"ShortenedUrlId":"U1"}`
	s := h.settled(h.deliver(body, "01J0000000000000000000000B"))
	if s.op != "nack" || !s.requeue {
		t.Fatalf("expected nack with requeue, got %+v", s)
	}
	if count, _ := store.count("U1"); count != 5 {
		t.Fatalf("expected count unchanged after failure, got %d", count)
	}

	// Broker redelivery of the same message.
	s = h.settled(h.deliver(body, "01J0000000000000000000000B"))
	if s.op != "ack" {
		t.Fatalf("expected ack on redelivery, got %+v", s)
	}
	if count, _ := store.count("U1"); count != 6 {
		t.Errorf("expected exactly one increment, got count %d", count)
	}
	snap := h.recorder.Snapshot()
	if snap.ClicksRequeued != 1 {
		t.Errorf("expected 1 requeue, got %d", snap.ClicksRequeued)
	}
	if snap.ClickProcessCount != 2 {
		t.Errorf("expected requeue and ack both timed, got %d duration observations", snap.ClickProcessCount)
	}
}

func TestWorker_LeavesDeliveryUnsettledOnceStopping(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(map[string]int64{"U1": 5})
	recorder := metrics.NewInMemory()
	sup := NewSupervisor(&fakeOpener{}, "click_tracking_queue", testLogger())
	w := NewWorker(sup, store, testWorkerConfig(), testLogger(), recorder)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	acks := &fakeAcknowledger{}
	d := amqp.Delivery{
		Acknowledger: acks,
		DeliveryTag:  1,
		ContentType:  ContentType,
		Body:         []byte(`{"ShortenedUrlId":"U1"}`),
	}

	if w.dispatch(ctx, d) {
		t.Fatal("expected delivery to be skipped after cancellation")
	}
	if got := acks.all(); len(got) != 0 {
		t.Errorf("expected delivery left for redelivery, got settlements %+v", got)
	}
	if store.callCount() != 0 {
		t.Errorf("expected counter store not called, got %d calls", store.callCount())
	}
	if count, _ := store.count("U1"); count != 5 {
		t.Errorf("expected count unchanged, got %d", count)
	}

	if !w.dispatch(context.Background(), d) {
		t.Fatal("expected delivery handled while running")
	}
	if got := acks.all(); len(got) != 1 || got[0].op != "ack" {
		t.Errorf("expected one ack, got %+v", got)
	}
}

func TestWorker_RetriesStorageWriteBeforeRequeue(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(map[string]int64{"U1": 0})
	store.failNext(2, errors.New("timeout"))
	cfg := testWorkerConfig()
	cfg.Retry = fastRetry(3)
	h := startWorker(t, store, cfg)

	s := h.settled(h.deliver(`{"ShortenedUrlId":"U1"}`, ""))
	if s.op != "ack" {
		t.Fatalf("expected ack after retries, got %+v", s)
	}
	if store.callCount() != 3 {
		t.Errorf("expected 3 store calls, got %d", store.callCount())
	}
	if count, _ := store.count("U1"); count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}
}

func TestWorker_DuplicateMessageAcked(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(map[string]int64{"U1": 5})
	h := startWorker(t, store, testWorkerConfig())

	body := `{"ShortenedUrlId":"U1"}`
	h.settled(h.deliver(body, "01J0000000000000000000000C"))
	s := h.settled(h.deliver(body, "01J0000000000000000000000C"))

	if s.op != "ack" {
		t.Fatalf("expected duplicate to be acked, got %+v", s)
	}
	if count, _ := store.count("U1"); count != 6 {
		t.Errorf("expected a single increment, got count %d", count)
	}
	if got := h.recorder.Snapshot().ClicksDuplicate; got != 1 {
		t.Errorf("expected 1 duplicate, got %d", got)
	}
}

func TestWorker_RecoversAfterChannelLoss(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(map[string]int64{"U1": 0})
	h := startWorker(t, store, testWorkerConfig())

	// First recovery attempt fails; the next one after RetryInterval succeeds.
	h.opener.failNext(1, errors.New("connection refused"))
	h.channel().drop()

	waitFor(t, time.Second, func() bool {
		return len(h.opener.opened()) == 2 && h.worker.State() == StateRunning
	})

	ch := h.channel()
	if ch.declared[0] != "click_tracking_queue" || ch.prefetch[0] != 1 {
		t.Errorf("expected same queue and prefetch 1, got %v %v", ch.declared, ch.prefetch)
	}

	s := h.settled(h.deliver(`{"ShortenedUrlId":"U1"}`, ""))
	if s.op != "ack" {
		t.Fatalf("expected ack after recovery, got %+v", s)
	}

	snap := h.recorder.Snapshot()
	if snap.BrokerReconnects != 1 || snap.BrokerReconnectFailures != 1 {
		t.Errorf("expected 1 reconnect and 1 failure, got %d and %d", snap.BrokerReconnects, snap.BrokerReconnectFailures)
	}
	if !snap.ConsumerRunning {
		t.Error("expected consumer running gauge set")
	}
}

func TestWorker_HealthCheckDetectsClosedChannel(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(nil)
	h := startWorker(t, store, testWorkerConfig())

	// Closed without closing the delivery channel: only the health tick notices.
	_ = h.channel().Close()

	waitFor(t, time.Second, func() bool {
		return len(h.opener.opened()) == 2 && h.worker.State() == StateRunning
	})
}

func TestWorker_StaysDegradedWhileBrokerDown(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(nil)
	h := startWorker(t, store, testWorkerConfig())

	h.opener.failNext(1000, errors.New("connection refused"))
	h.channel().drop()

	waitFor(t, time.Second, func() bool { return h.worker.State() == StateDegraded })
	waitFor(t, time.Second, func() bool { return h.recorder.Snapshot().BrokerReconnectFailures >= 3 })

	if err := h.worker.Ping(context.Background()); !errors.Is(err, ErrConsumerNotRunning) {
		t.Errorf("expected ErrConsumerNotRunning while degraded, got %v", err)
	}
}

func TestWorker_FailsFastOnStartup(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{}
	opener.failNext(1, errors.New("connection refused"))
	w := NewWorker(NewSupervisor(opener, "click_tracking_queue", testLogger()), newMemoryCounterStore(nil), testWorkerConfig(), testLogger(), nil)

	err := w.Run(context.Background())
	if err == nil {
		t.Fatal("expected startup error")
	}
	if w.State() != StateStopped {
		t.Errorf("expected STOPPED, got %s", w.State())
	}
	if len(opener.opened()) != 0 {
		t.Error("expected no retry before the first successful start")
	}
}

func TestWorker_Shutdown(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(nil)
	h := startWorker(t, store, testWorkerConfig())

	if err := h.worker.Ping(context.Background()); err != nil {
		t.Fatalf("expected healthy worker, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.worker.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if h.worker.State() != StateStopped {
		t.Errorf("expected STOPPED, got %s", h.worker.State())
	}
	ch := h.channel()
	if !ch.IsClosed() {
		t.Error("expected channel closed on shutdown")
	}
	if len(ch.cancelled) != 1 {
		t.Errorf("expected consumer cancelled, got %v", ch.cancelled)
	}
	if err := h.worker.Ping(context.Background()); err == nil {
		t.Error("expected Ping to fail after shutdown")
	}
}

func TestWorker_ShutdownBeforeRun(t *testing.T) {
	t.Parallel()

	w := NewWorker(NewSupervisor(&fakeOpener{}, "q", testLogger()), newMemoryCounterStore(nil), WorkerConfig{}, testLogger(), nil)
	if err := w.Shutdown(context.Background()); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestWorker_RunTwice(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore(nil)
	h := startWorker(t, store, testWorkerConfig())

	if err := h.worker.Run(context.Background()); err == nil {
		t.Error("expected error on second Run")
	}
}

func TestNewWorker_Defaults(t *testing.T) {
	t.Parallel()

	w := NewWorker(NewSupervisor(&fakeOpener{}, "q", testLogger()), newMemoryCounterStore(nil), WorkerConfig{}, testLogger(), nil)
	if w.cfg.HealthInterval != DefaultHealthInterval {
		t.Errorf("expected default health interval, got %v", w.cfg.HealthInterval)
	}
	if w.cfg.RetryInterval != DefaultRetryInterval {
		t.Errorf("expected default retry interval, got %v", w.cfg.RetryInterval)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := map[State]string{
		StateStarting: "STARTING",
		StateRunning:  "RUNNING",
		StateDegraded: "DEGRADED",
		StateStopping: "STOPPING",
		StateStopped:  "STOPPED",
		State(99):     "UNKNOWN",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(s), got, want)
		}
	}
}
