package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"

	"github.com/linkpulse/linkpulse/internal/broker"
)

// PrefetchCount caps unacknowledged deliveries per consumer.
const PrefetchCount = 1

// ErrSupervisorClosed is returned by EnsureReady after Close.
var ErrSupervisorClosed = errors.New("supervisor closed")

// Session is a ready consumer registration.
type Session struct {
	Channel     broker.Channel
	Deliveries  <-chan amqp.Delivery
	ConsumerTag string
}

// Supervisor owns the consumer-side channel lifecycle. It performs no retries;
// callers decide when to try again.
type Supervisor struct {
	opener       broker.Opener
	queue        string
	logger       *slog.Logger
	closeTimeout time.Duration
	newTag       func() string

	group singleflight.Group

	mu      sync.Mutex
	session *Session
	closed  bool
}

// NewSupervisor creates a supervisor for queue on the shared connection.
func NewSupervisor(opener broker.Opener, queue string, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		opener:       opener,
		queue:        queue,
		logger:       logger.With("component", "analytics.supervisor", "queue", queue),
		closeTimeout: broker.DefaultCloseTimeout,
		newTag:       NewConsumerTag,
	}
}

// EnsureReady replaces the current session with a fresh one: it closes the old
// channel, opens a new one, declares the queue, sets prefetch and registers a
// consumer. Concurrent callers share the in-flight attempt.
func (s *Supervisor) EnsureReady(ctx context.Context) (*Session, error) {
	v, err, _ := s.group.Do("session", func() (any, error) {
		return s.establish(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Current returns the active session, if any.
func (s *Supervisor) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Supervisor) establish(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSupervisorClosed
	}
	old := s.session
	s.session = nil
	s.mu.Unlock()

	if old != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.closeTimeout)
		if err := s.closeSession(closeCtx, old); err != nil {
			s.logger.Warn("failed to close previous channel", "consumer_tag", old.ConsumerTag, "error", err)
		}
		cancel()
	}

	ch, err := s.opener.Channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}

	if err := broker.DeclareQueue(ch, s.queue); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %q: %w", s.queue, err)
	}

	if err := ch.Qos(PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	tag := s.newTag()
	// The consumer outlives ctx; Close cancels it explicitly.
	deliveries, err := ch.ConsumeWithContext(context.WithoutCancel(ctx), s.queue, tag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("register consumer: %w", err)
	}

	sess := &Session{Channel: ch, Deliveries: deliveries, ConsumerTag: tag}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ch.Close()
		return nil, ErrSupervisorClosed
	}
	s.session = sess
	s.mu.Unlock()

	s.logger.Info("consumer registered", "consumer_tag", tag, "prefetch", PrefetchCount)
	return sess, nil
}

// Close stops deliveries and closes the channel within ctx's deadline.
// Further EnsureReady calls fail.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sess := s.session
	s.session = nil
	s.mu.Unlock()

	if sess == nil {
		return nil
	}
	return s.closeSession(ctx, sess)
}

func (s *Supervisor) closeSession(ctx context.Context, sess *Session) error {
	if sess.Channel.IsClosed() {
		return nil
	}
	if err := sess.Channel.Cancel(sess.ConsumerTag, false); err != nil && !broker.IsClosedError(err) {
		s.logger.Warn("failed to cancel consumer", "consumer_tag", sess.ConsumerTag, "error", err)
	}
	return closeChannel(ctx, sess.Channel)
}
