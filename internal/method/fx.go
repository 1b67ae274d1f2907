package method

import (
	"github.com/sokoline/sokopay/internal/method/repository"
	"github.com/sokoline/sokopay/internal/method/service"
	"go.uber.org/fx"
)

var Module = fx.Module("method",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
