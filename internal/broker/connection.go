package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultCloseTimeout bounds Close when ctx carries no deadline.
const DefaultCloseTimeout = 5 * time.Second

// Config holds broker connection parameters.
type Config struct {
	URL              string
	ConnectionName   string
	Heartbeat        time.Duration
	AutoRecovery     bool
	RecoveryInterval time.Duration
}

// conn is the part of *amqp.Connection the Connection depends on.
type conn interface {
	openChannel() (Channel, error)
	IsClosed() bool
	CloseDeadline(deadline time.Time) error
}

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) openChannel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type dialFunc func(url string, cfg amqp.Config) (conn, error)

func dialAMQP(url string, cfg amqp.Config) (conn, error) {
	c, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConn{Connection: c}, nil
}

// Connection is a shared broker connection that re-dials after the
// underlying connection drops, at most once per RecoveryInterval.
type Connection struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc
	now    func() time.Time

	mu       sync.Mutex
	conn     conn
	lastDial time.Time
	closed   bool
}

// Dial connects to the broker. A failure here is a fatal startup error.
func Dial(cfg Config, logger *slog.Logger) (*Connection, error) {
	c := newConnection(cfg, logger, dialAMQP)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func newConnection(cfg Config, logger *slog.Logger, dial dialFunc) *Connection {
	return &Connection{
		cfg:    cfg,
		logger: logger.With("component", "broker.connection"),
		dial:   dial,
		now:    time.Now,
	}
}

func (c *Connection) connectLocked() error {
	props := amqp.NewConnectionProperties()
	if c.cfg.ConnectionName != "" {
		props.SetClientConnectionName(c.cfg.ConnectionName)
	}

	c.lastDial = c.now()
	conn, err := c.dial(c.cfg.URL, amqp.Config{
		Heartbeat:  c.cfg.Heartbeat,
		Properties: props,
	})
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	c.conn = conn
	c.logger.Info("connected to broker", "connection_name", c.cfg.ConnectionName)
	return nil
}

// Channel opens a new channel, re-dialing first if the connection dropped
// and automatic recovery is enabled.
func (c *Connection) Channel(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}

	if c.conn == nil || c.conn.IsClosed() {
		if !c.cfg.AutoRecovery {
			return nil, ErrConnectionLost
		}
		if !c.lastDial.IsZero() {
			if wait := c.cfg.RecoveryInterval - c.now().Sub(c.lastDial); wait > 0 {
				return nil, fmt.Errorf("%w: next attempt in %s", ErrRecoveryPending, wait.Round(time.Millisecond))
			}
		}
		c.logger.Warn("broker connection lost, redialing")
		if err := c.connectLocked(); err != nil {
			return nil, err
		}
	}

	ch, err := c.conn.openChannel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// Ping reports whether the connection is currently open.
func (c *Connection) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		return ErrConnectionLost
	}
	return nil
}

// Close closes the connection, bounded by ctx's deadline (or DefaultCloseTimeout).
// Further Channel calls fail with ErrConnectionClosed.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = c.now().Add(DefaultCloseTimeout)
	}

	if err := c.conn.CloseDeadline(deadline); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close broker connection: %w", err)
	}
	c.logger.Info("broker connection closed")
	return nil
}
