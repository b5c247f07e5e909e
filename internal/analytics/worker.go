package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/linkpulse/linkpulse/internal/broker"
	"github.com/linkpulse/linkpulse/internal/metrics"
)

const (
	// DefaultHealthInterval is how often a running consumer checks its channel.
	DefaultHealthInterval = 5 * time.Second

	// DefaultRetryInterval is the wait between recovery attempts while degraded.
	DefaultRetryInterval = 10 * time.Second

	// DefaultProcessTimeout bounds handling of a single delivery.
	DefaultProcessTimeout = 30 * time.Second
)

// ErrConsumerNotRunning is returned by Ping when the consumer is not RUNNING.
var ErrConsumerNotRunning = errors.New("click consumer not running")

// State is the consumer lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDegraded
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateDegraded:
		return "DEGRADED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// SessionProvider establishes consumer sessions. *Supervisor implements it.
type SessionProvider interface {
	EnsureReady(ctx context.Context) (*Session, error)
	Close(ctx context.Context) error
}

// WorkerConfig tunes the consumer loop.
type WorkerConfig struct {
	HealthInterval time.Duration
	RetryInterval  time.Duration
	ProcessTimeout time.Duration
	CloseTimeout   time.Duration
	Retry          RetryStrategy
}

// DefaultWorkerConfig returns the production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		HealthInterval: DefaultHealthInterval,
		RetryInterval:  DefaultRetryInterval,
		ProcessTimeout: DefaultProcessTimeout,
		CloseTimeout:   broker.DefaultCloseTimeout,
		Retry:          DefaultRetryStrategy(),
	}
}

// Worker consumes click events and applies them to the counter store.
// Deliveries are handled one at a time.
type Worker struct {
	sessions SessionProvider
	store    CounterStore
	cfg      WorkerConfig
	logger   *slog.Logger
	metrics  metrics.Recorder
	state    atomic.Int32

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
}

// NewWorker creates a click consumer. Zero durations in cfg fall back to defaults.
func NewWorker(sessions SessionProvider, store CounterStore, cfg WorkerConfig, logger *slog.Logger, recorder metrics.Recorder) *Worker {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	defaults := DefaultWorkerConfig()
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaults.HealthInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaults.ProcessTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaults.CloseTimeout
	}
	return &Worker{
		sessions: sessions,
		store:    store,
		cfg:      cfg,
		logger:   logger.With("component", "analytics.worker"),
		metrics:  recorder,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	prev := State(w.state.Swap(int32(s)))
	if prev != s {
		w.logger.Debug("consumer state changed", "from", prev.String(), "to", s.String())
	}
	w.metrics.SetConsumerRunning(s == StateRunning)
}

// Ping reports an error unless the consumer is RUNNING.
func (w *Worker) Ping(ctx context.Context) error {
	if s := w.State(); s != StateRunning {
		return fmt.Errorf("%w: %s", ErrConsumerNotRunning, s)
	}
	return nil
}

// Run starts the consumer loop and blocks until ctx is cancelled or Shutdown
// is called. A failure to establish the first session is returned at once.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("worker already started")
	}
	w.started = true
	w.done = make(chan struct{})
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	defer close(w.done)

	w.setState(StateStarting)
	sess, err := w.sessions.EnsureReady(ctx)
	if err != nil {
		w.setState(StateStopped)
		return fmt.Errorf("start click consumer: %w", err)
	}
	w.setState(StateRunning)
	w.logger.Info("click consumer started", "consumer_tag", sess.ConsumerTag)

	defer w.stop()

	health := time.NewTicker(w.cfg.HealthInterval)
	defer health.Stop()

	retry := time.NewTimer(w.cfg.RetryInterval)
	retry.Stop()
	defer retry.Stop()

	deliveries := sess.Deliveries

	degrade := func(reason string) {
		w.logger.Warn("click consumer degraded", "reason", reason)
		w.setState(StateDegraded)
		deliveries = nil
		if next, ok := w.recover(ctx); ok {
			sess, deliveries = next, next.Deliveries
			return
		}
		retry.Reset(w.cfg.RetryInterval)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case d, ok := <-deliveries:
			if !ok {
				degrade("delivery channel closed")
				continue
			}
			if !w.dispatch(ctx, d) {
				return nil
			}

		case <-health.C:
			if w.State() == StateRunning && sess.Channel.IsClosed() {
				degrade("channel closed")
			}

		case <-retry.C:
			if next, ok := w.recover(ctx); ok {
				sess, deliveries = next, next.Deliveries
				continue
			}
			retry.Reset(w.cfg.RetryInterval)
		}
	}
}

// recover tries once to re-establish the session.
func (w *Worker) recover(ctx context.Context) (*Session, bool) {
	if ctx.Err() != nil {
		return nil, false
	}

	sess, err := w.sessions.EnsureReady(ctx)
	if err != nil {
		w.metrics.IncBrokerReconnect("failure")
		w.logger.Error("click consumer recovery failed",
			"error", err,
			"retry_in", w.cfg.RetryInterval.String(),
		)
		return nil, false
	}

	w.metrics.IncBrokerReconnect("success")
	w.setState(StateRunning)
	w.logger.Info("click consumer recovered", "consumer_tag", sess.ConsumerTag)
	return sess, true
}

// stop closes the session within CloseTimeout.
func (w *Worker) stop() {
	w.setState(StateStopping)

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.CloseTimeout)
	defer cancel()

	if err := w.sessions.Close(ctx); err != nil {
		w.logger.Warn("failed to close consumer channel", "error", err)
	}

	w.setState(StateStopped)
	w.logger.Info("click consumer stopped")
}

// Shutdown stops the consumer, letting an in-flight delivery finish.
// It implements server.ShutdownFunc.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	w.logger.Info("click consumer shutdown initiated")

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		w.logger.Info("click consumer shutdown complete")
		return nil
	case <-ctx.Done():
		w.logger.Warn("click consumer shutdown timed out")
		return ctx.Err()
	}
}

// dispatch handles d unless shutdown has begun. A skipped delivery stays
// unacknowledged and the broker redelivers it once the channel closes.
func (w *Worker) dispatch(ctx context.Context, d amqp.Delivery) bool {
	if ctx.Err() != nil {
		w.logger.Debug("shutting down, leaving delivery unsettled", "delivery_tag", d.DeliveryTag)
		return false
	}
	w.handle(ctx, d)
	return true
}

// handle applies one delivery and settles it with the broker.
// Processing is detached from cancellation so a write is never cut short.
func (w *Worker) handle(parent context.Context, d amqp.Delivery) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.cfg.ProcessTimeout)
	defer cancel()

	logger := w.logger.With(
		"delivery_tag", d.DeliveryTag,
		"message_id", d.MessageId,
		"redelivered", d.Redelivered,
	)

	event, err := DecodeClickEvent(d.Body)
	if err == nil {
		err = ValidateClickEvent(event)
	}
	if err != nil {
		logger.Warn("rejecting click event", "error", err, "body_size", len(d.Body))
		w.metrics.IncClickProcessed(metrics.OutcomeRejected)
		w.settle(logger, start, "reject", func() error { return d.Reject(false) })
		return
	}

	logger = logger.With("subject_id", event.SubjectID)

	var result IncrementResult
	err = w.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		r, err := w.store.Increment(ctx, event.SubjectID, d.MessageId)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		logger.Warn("click counter increment failed, retrying",
			"attempt", attempt,
			"backoff_seconds", wait.Seconds(),
			"error", err,
		)
	})

	if err != nil {
		logger.Error("click counter increment failed, requeueing", "error", err)
		w.metrics.IncClickProcessed(metrics.OutcomeRequeued)
		w.settle(logger, start, "nack", func() error { return d.Nack(false, true) })
		return
	}

	switch result {
	case IncrementNotFound:
		logger.Warn("click event for unknown link, discarding")
		w.metrics.IncClickProcessed(metrics.OutcomeNotFound)
	case IncrementDuplicate:
		logger.Info("click event already applied, skipping")
		w.metrics.IncClickProcessed(metrics.OutcomeDuplicate)
	default:
		logger.Debug("click event applied")
		w.metrics.IncClickProcessed(metrics.OutcomeApplied)
	}
	w.settle(logger, start, "ack", func() error { return d.Ack(false) })
}

// settle records the processing time of every outcome, then settles the
// delivery. A failed ack/nack is only logged: the broker redelivers unsettled
// messages once the channel closes.
func (w *Worker) settle(logger *slog.Logger, start time.Time, op string, fn func() error) {
	w.metrics.ObserveClickProcessDuration(time.Since(start))
	if err := fn(); err != nil {
		logger.Error("failed to settle delivery", "op", op, "error", err)
	}
}
