package payment

import (
	"github.com/sokoline/sokopay/internal/config"
	"github.com/sokoline/sokopay/internal/payment/adapters"
	"github.com/sokoline/sokopay/internal/payment/adapters/airtelmoney"
	"github.com/sokoline/sokopay/internal/payment/adapters/cod"
	"github.com/sokoline/sokopay/internal/payment/adapters/mtnmomo"
	"github.com/sokoline/sokopay/internal/payment/collection"
	"github.com/sokoline/sokopay/internal/payment/repository"
	"github.com/sokoline/sokopay/internal/payment/service"
	"github.com/sokoline/sokopay/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(service.NewService),
	fx.Provide(webhook.NewService),
	fx.Provide(collection.NewService),
)

// NewRegistry wires one adapter per configured rail.
func NewRegistry(cfg config.Config, tuning *config.TuningHolder, log *zap.Logger) *adapters.Registry {
	t := tuning.Get()
	return adapters.NewRegistry(
		mtnmomo.New(cfg.MTNMoMo, t.ProviderTimeout, t.TokenTTLSlack, log),
		airtelmoney.New(cfg.AirtelMoney, t.ProviderTimeout, t.TokenTTLSlack, log),
		cod.New(),
	)
}
