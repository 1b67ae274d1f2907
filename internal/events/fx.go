package events

import (
	"context"

	"github.com/sokoline/sokopay/internal/config"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

// NewPublisher connects to the configured broker, falling back to a noop
// publisher when none is configured.
func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (paymentdomain.EventPublisher, error) {
	if cfg.AMQPURL == "" {
		log.Named("events").Info("no broker configured, status change events disabled")
		return NoopPublisher{}, nil
	}

	publisher, err := NewAMQPPublisher(cfg.AMQPURL, log)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}
