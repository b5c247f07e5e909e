// Package broker owns the process-wide RabbitMQ connection.
//
// The connection is constructed once in main, handed by reference to the
// publisher and the consumer supervisor (each opens its own channel), and
// closed last during shutdown.
package broker

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker errors.
var (
	ErrConnectionClosed = errors.New("broker connection closed")
	ErrConnectionLost   = errors.New("broker connection lost")
	ErrRecoveryPending  = errors.New("broker connection recovery pending")
)

// Channel is the subset of *amqp.Channel used by the click pipeline.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Cancel(consumer string, noWait bool) error
	IsClosed() bool
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// Opener opens channels on a broker connection.
type Opener interface {
	Channel(ctx context.Context) (Channel, error)
}

// DeclareQueue declares the durable, non-exclusive, non-auto-delete queue
// used for click events. Declaration is idempotent on the broker side.
func DeclareQueue(ch Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	return err
}

// IsClosedError reports whether err means the channel or connection is gone.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) || errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrConnectionLost) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.ChannelError || amqpErr.Code == amqp.ConnectionForced
	}
	return false
}
