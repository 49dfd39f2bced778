package hub

import (
	"context"
	"fmt"

	"github.com/zoff-tech/erp-bridge/pkg/config"
)

func NewListener(ctx context.Context, cfg *config.HubSettings) (Listener, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqListener(cfg)
	case "gcp-pubsub":
		return NewPubSubListener(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported hub type: %s", cfg.Type)
	}
}
