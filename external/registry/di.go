package registry

import (
	"context"
	"time"

	"github.com/foxseedlab/livecaption/internal/config"
	"github.com/foxseedlab/livecaption/internal/registry"
	"github.com/samber/do/v2"
)

const redisConnectTimeout = 5 * time.Second

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (registry.Registry, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.RedisURL == "" {
			return registry.NewMemory(), nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
		defer cancel()
		return ConnectRedis(ctx, cfg.RedisURL)
	})
}
