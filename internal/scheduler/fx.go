package scheduler

import (
	"context"

	"github.com/lessonbill/lessonbill/internal/config"
	paymentdomain "github.com/lessonbill/lessonbill/internal/payment/domain"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvideLocker),
	fx.Provide(NewZeroHourGenerator),
	fx.Provide(func(g *ZeroHourGenerator) paymentdomain.FollowUp { return g }),
	fx.Provide(New),
	fx.Invoke(StartScheduler),
)

func ProvideConfig() Config {
	return DefaultConfig()
}

// ProvideLocker returns a nil locker when redis is not configured; the
// scheduler then runs unguarded, which single-replica deployments want.
func ProvideLocker(cfg config.Config) *Locker {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return NewLocker(client)
}

func StartScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.SchedulerEnabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
