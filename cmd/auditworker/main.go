package main

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-gatekeeper/pkg/config"
	"smallbiznis-gatekeeper/pkg/db"
	"smallbiznis-gatekeeper/pkg/hashistack/secretmanager"
	"smallbiznis-gatekeeper/pkg/logger"
	"smallbiznis-gatekeeper/pkg/task"
	"smallbiznis-gatekeeper/services/apikey"
	"smallbiznis-gatekeeper/services/gatekeeper"
)

// The audit worker drains usage-log tasks so admission latency never pays
// for the database write.
func main() {
	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		fx.Provide(
			apikey.NewRepository,
			func(r *apikey.Repository) apikey.UsageLogStore { return r },
		),
		task.Server,
		fx.Invoke(registerHandlers),
		fxLogger,
	)

	app.Run()
}

func registerHandlers(mux *asynq.ServeMux, logs apikey.UsageLogStore) {
	gatekeeper.RegisterAuditHandlers(mux, logs)
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
