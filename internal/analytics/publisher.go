package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/linkpulse/linkpulse/internal/broker"
	"github.com/linkpulse/linkpulse/internal/metrics"
)

// DefaultPublishTimeout bounds a single async publish.
const DefaultPublishTimeout = 500 * time.Millisecond

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// Publisher enqueues one click event per redirect on the durable click queue.
// It is safe for concurrent use; calls on the underlying channel are serialized.
type Publisher struct {
	opener  broker.Opener
	queue   string
	logger  *slog.Logger
	metrics metrics.Recorder
	timeout time.Duration
	now     func() time.Time

	// sendLock serializes use of the channel. It is a semaphore so waiters
	// can give up when their context ends.
	sendLock chan struct{}

	mu     sync.Mutex
	ch     broker.Channel
	closed bool

	asyncMu  sync.Mutex
	closing  bool
	inflight sync.WaitGroup

	failureLog *rate.Sometimes
}

// NewPublisher opens a channel on the shared connection and declares the queue.
func NewPublisher(ctx context.Context, opener broker.Opener, queue string, logger *slog.Logger, recorder metrics.Recorder) (*Publisher, error) {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	p := &Publisher{
		opener:     opener,
		queue:      queue,
		logger:     logger.With("component", "analytics.publisher", "queue", queue),
		metrics:    recorder,
		timeout:    DefaultPublishTimeout,
		now:        time.Now,
		sendLock:   make(chan struct{}, 1),
		failureLog: &rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}

	if _, err := p.channel(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// SetPublishTimeout overrides the async publish timeout.
func (p *Publisher) SetPublishTimeout(timeout time.Duration) {
	if timeout > 0 {
		p.timeout = timeout
	}
}

// Publish encodes a click event and hands it to the broker as a persistent
// message. It does not wait for broker confirmation.
func (p *Publisher) Publish(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return ErrEmptySubjectID
	}

	body, err := EncodeClickEvent(NewClickEvent(subjectID))
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    ulid.Make().String(),
		Timestamp:    p.now().UTC(),
		Body:         body,
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPublisherClosed
	}

	if err := p.acquire(ctx); err != nil {
		p.metrics.IncClickPublished("error")
		return fmt.Errorf("publish click event: %w", err)
	}
	defer p.release()

	ch, err := p.channel(ctx)
	if err != nil {
		if !errors.Is(err, ErrPublisherClosed) {
			p.metrics.IncClickPublished("error")
		}
		return err
	}

	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		if broker.IsClosedError(err) {
			p.forget(ch)
		}
		p.metrics.IncClickPublished("error")
		return fmt.Errorf("publish click event: %w", err)
	}

	p.metrics.IncClickPublished("success")
	p.logger.Debug("click event published", "subject_id", subjectID, "message_id", msg.MessageId)
	return nil
}

// PublishAsync publishes without blocking the caller.
// Errors are logged (throttled) but not returned.
func (p *Publisher) PublishAsync(subjectID string) {
	p.asyncMu.Lock()
	if p.closing {
		p.asyncMu.Unlock()
		p.metrics.IncClickPublished("dropped")
		return
	}
	p.inflight.Add(1)
	p.asyncMu.Unlock()

	go func() {
		defer p.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		if err := p.Publish(ctx, subjectID); err != nil {
			p.failureLog.Do(func() {
				p.logger.Warn("failed to publish click event",
					"subject_id", subjectID,
					"error", err,
				)
			})
		}
	}()
}

// Close waits for in-flight async publishes, then closes the channel.
// Both steps are bounded by ctx.
func (p *Publisher) Close(ctx context.Context) error {
	p.asyncMu.Lock()
	if p.closing {
		p.asyncMu.Unlock()
		return nil
	}
	p.closing = true
	p.asyncMu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		p.logger.Warn("timed out waiting for in-flight publishes")
	}

	p.mu.Lock()
	p.closed = true
	ch := p.ch
	p.ch = nil
	p.mu.Unlock()

	if ch == nil {
		return nil
	}

	// A publish stuck on a blocked connection must not hold Close past ctx.
	if err := p.acquire(ctx); err != nil {
		p.logger.Warn("closing publisher channel with a publish in flight")
	} else {
		defer p.release()
	}

	if err := closeChannel(ctx, ch); err != nil {
		return fmt.Errorf("close publisher channel: %w", err)
	}
	p.logger.Info("publisher closed")
	return nil
}

func (p *Publisher) acquire(ctx context.Context) error {
	select {
	case p.sendLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) release() {
	<-p.sendLock
}

// channel returns the open channel, reopening it once if it was closed.
// Callers other than NewPublisher must hold sendLock.
func (p *Publisher) channel(ctx context.Context) (broker.Channel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPublisherClosed
	}
	current := p.ch
	p.mu.Unlock()

	if current != nil && !current.IsClosed() {
		return current, nil
	}
	if current != nil {
		p.logger.Warn("publisher channel closed, reopening")
	}

	ch, err := p.opener.Channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if err := broker.DeclareQueue(ch, p.queue); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %q: %w", p.queue, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = ch.Close()
		return nil, ErrPublisherClosed
	}
	p.ch = ch
	return ch, nil
}

// forget drops ch so the next publish reopens.
func (p *Publisher) forget(ch broker.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == ch {
		p.ch = nil
	}
}

// closeChannel closes ch, giving up when ctx is done.
func closeChannel(ctx context.Context, ch broker.Channel) error {
	if ch.IsClosed() {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- ch.Close()
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
