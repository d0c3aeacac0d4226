package gatekeeper

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"smallbiznis-gatekeeper/pkg/config"
	"smallbiznis-gatekeeper/services/fraud"
)

var Module = fx.Module("gatekeeper.module",
	fx.Provide(
		NewPipeline,
		NewAuditor,
		provideScorer,
		provideSignals,
	),
)

func provideScorer(cfg *config.Config) *fraud.Scorer {
	return fraud.NewScorer(cfg.Gatekeeper.MaliciousIPs, cfg.Gatekeeper.HighRiskRegions)
}

type signalParams struct {
	fx.In
	Redis *redis.Client `optional:"true"`
}

func provideSignals(p signalParams) SignalSource {
	if p.Redis != nil {
		return NewRedisSignals(p.Redis)
	}
	zap.L().Warn("[Gatekeeper] Redis not configured, using in-process fraud signals")
	return NewMemorySignals()
}
