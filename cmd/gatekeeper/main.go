package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-gatekeeper/internal/httpapi"
	"smallbiznis-gatekeeper/pkg/config"
	"smallbiznis-gatekeeper/pkg/db"
	"smallbiznis-gatekeeper/pkg/gen"
	"smallbiznis-gatekeeper/pkg/hashistack/secretmanager"
	"smallbiznis-gatekeeper/pkg/health"
	"smallbiznis-gatekeeper/pkg/logger"
	"smallbiznis-gatekeeper/pkg/redis"
	"smallbiznis-gatekeeper/pkg/server"
	"smallbiznis-gatekeeper/pkg/task"
	"smallbiznis-gatekeeper/services/apikey"
	"smallbiznis-gatekeeper/services/gatekeeper"
	"smallbiznis-gatekeeper/services/ratelimit"
)

func main() {
	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		gen.Module,
		db.Module,
		redis.Module,
		health.Module,
		task.Client,
		apikey.Module,
		ratelimit.Module,
		gatekeeper.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		fx.Invoke(db.Otel, db.Metric),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
