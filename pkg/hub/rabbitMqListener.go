package hub

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/erp-bridge/pkg/config"
)

type RabbitMQListenerCreator func(settings *config.HubSettings) (Listener, error)

var NewRabbitMqListener RabbitMQListenerCreator = func(settings *config.HubSettings) (Listener, error) {
	return &rabbitMqListener{settings: settings}, nil
}

type rabbitMqListener struct {
	settings  *config.HubSettings
	connected atomic.Bool
	conn      *amqp.Connection
}

func (l *rabbitMqListener) Listen(ctx context.Context, handle Handler) error {
	bo := reconnectBackoff()

	for {
		err := l.consumeOnce(ctx, handle, bo)
		l.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		log.Printf("Hub connection lost: %v (reconnecting in %s)", err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// consumeOnce runs a single connection's lifetime: dial, declare,
// consume until the delivery channel closes or ctx is canceled.
func (l *rabbitMqListener) consumeOnce(ctx context.Context, handle Handler, bo backoff.BackOff) error {
	conn, err := amqp.Dial(l.settings.URL)
	if err != nil {
		return err
	}
	defer conn.Close()
	l.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(
		l.settings.Queue, // name
		true,             // durable
		false,            // auto-deleted
		false,            // exclusive
		false,            // no-wait
		nil,              // arguments
	); err != nil {
		return err
	}

	consumerTag := "erp-bridge-" + uuid.NewString()
	deliveries, err := ch.Consume(l.settings.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	l.connected.Store(true)
	bo.Reset()
	log.Printf("Hub listener consuming from queue %s", l.settings.Queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return amqp.ErrClosed
			}
			l.dispatch(ctx, handle, d)
		}
	}
}

func (l *rabbitMqListener) dispatch(ctx context.Context, handle Handler, d amqp.Delivery) {
	tracer := otel.Tracer("erp-bridge")
	ctx, span := tracer.Start(ctx, "HubMessage",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(l.settings.Queue),
		),
	)
	defer span.End()

	if err := handle(ctx, d.Body); err != nil {
		// The store refused the event; requeue so nothing is lost while
		// it is unavailable. Malformed input never reaches this path.
		span.RecordError(err)
		log.Printf("Hub message handling failed, requeueing: %v", err)
		if err := d.Nack(false, true); err != nil {
			log.Printf("Failed to nack hub message: %v", err)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		span.RecordError(err)
		log.Printf("Failed to ack hub message: %v", err)
	}
}

func (l *rabbitMqListener) Connected() bool {
	return l.connected.Load()
}

func (l *rabbitMqListener) Close() error {
	l.connected.Store(false)
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

// reconnectBackoff grows 1s, 2s, 4s ... capped at 60s and never gives up.
func reconnectBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}
