package order

import (
	"github.com/sokoline/sokopay/internal/config"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("order",
	fx.Provide(NewOrderService),
)

// NewOrderService wires the HTTP client when an order service is
// configured, otherwise an empty in-memory store so local runs still
// start.
func NewOrderService(cfg config.Config, log *zap.Logger) paymentdomain.OrderService {
	if cfg.OrderServiceURL == "" {
		log.Named("order").Warn("no order service configured, using in-memory store")
		return NewMemory()
	}
	return NewHTTPClient(cfg.OrderServiceURL, cfg.OrderServiceToken, 0, log)
}
