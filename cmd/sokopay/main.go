package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/sokoline/sokopay/internal/clock"
	"github.com/sokoline/sokopay/internal/config"
	"github.com/sokoline/sokopay/internal/events"
	"github.com/sokoline/sokopay/internal/method"
	"github.com/sokoline/sokopay/internal/migration"
	"github.com/sokoline/sokopay/internal/observability"
	"github.com/sokoline/sokopay/internal/order"
	"github.com/sokoline/sokopay/internal/payment"
	"github.com/sokoline/sokopay/internal/reconciler"
	"github.com/sokoline/sokopay/internal/server"
	"github.com/sokoline/sokopay/pkg/db"
	"go.uber.org/fx"
)

// Monolith entrypoint: HTTP API plus the in-process reconciler.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		events.Module,
		order.Module,
		method.Module,
		payment.Module,
		reconciler.Module,
		server.Module,

		fx.Invoke(StartReconciler),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func StartReconciler(lc fx.Lifecycle, s *reconciler.Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
