package hub

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/zoff-tech/erp-bridge/pkg/config"
)

// PubSubListenerCreator defines a function type for creating Pub/Sub listeners.
type PubSubListenerCreator func(ctx context.Context, settings *config.HubSettings, opts ...option.ClientOption) (Listener, error)

// NewPubSubListener is the default implementation of PubSubListenerCreator.
var NewPubSubListener PubSubListenerCreator = func(ctx context.Context, settings *config.HubSettings, opts ...option.ClientOption) (Listener, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubListener{client: client, settings: settings}, nil
}

type pubSubListener struct {
	client    *pubsub.Client
	settings  *config.HubSettings
	connected atomic.Bool
}

func (p *pubSubListener) Listen(ctx context.Context, handle Handler) error {
	sub := p.client.Subscription(p.settings.Subscription)
	bo := reconnectBackoff()

	for {
		p.connected.Store(true)
		err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			p.dispatch(ctx, handle, msg)
		})
		p.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		log.Printf("Hub subscription lost: %v (reconnecting in %s)", err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p *pubSubListener) dispatch(ctx context.Context, handle Handler, msg *pubsub.Message) {
	tracer := otel.Tracer("erp-bridge")
	ctx, span := tracer.Start(ctx, "HubMessage",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKey.String(p.settings.Subscription),
		),
	)
	defer span.End()

	if err := handle(ctx, msg.Data); err != nil {
		span.RecordError(err)
		log.Printf("Hub message handling failed, requeueing: %v", err)
		msg.Nack()
		return
	}
	msg.Ack()
}

func (p *pubSubListener) Connected() bool {
	return p.connected.Load()
}

func (p *pubSubListener) Close() error {
	p.connected.Store(false)
	return p.client.Close()
}
