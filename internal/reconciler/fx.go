package reconciler

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/sokoline/sokopay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("reconciler",
	fx.Provide(NewRedisLocker),
	fx.Provide(New),
)

// NewRedisLocker builds the lease locker when redis is configured. Without
// it every instance reconciles on its own.
func NewRedisLocker(cfg config.Config, log *zap.Logger) *Locker {
	if cfg.RedisAddr == "" {
		log.Named("reconciler").Info("no redis configured, reconciler lease disabled")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return NewLocker(client)
}
