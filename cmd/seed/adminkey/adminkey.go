package main

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"smallbiznis-gatekeeper/pkg/config"
	"smallbiznis-gatekeeper/pkg/db"
	"smallbiznis-gatekeeper/pkg/gen"
	"smallbiznis-gatekeeper/pkg/hashistack/secretmanager"
	"smallbiznis-gatekeeper/pkg/logger"
	"smallbiznis-gatekeeper/services/apikey"
	"smallbiznis-gatekeeper/services/permission"
)

// Bootstrap tool: migrates the schema and mints the first admin key so the
// key-management API has a credential to authenticate with.
func main() {
	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		gen.Module,
		db.Module,
		apikey.Module,
		fx.Invoke(seed),
		fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
			return fxevent.NopLogger
		}),
	)

	app.Run()
}

func seed(lc fx.Lifecycle, gdb *gorm.DB, svc *apikey.Service, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := gdb.AutoMigrate(
				&apikey.APIKey{},
				&apikey.PermissionGrant{},
				&apikey.RateLimitConfig{},
				&apikey.UsageLog{},
			); err != nil {
				return err
			}

			record, credential, err := svc.CreateKey(ctx, apikey.CreateKeyInput{
				CallerType:      apikey.CallerTypeAdmin,
				RateLimitTier:   apikey.TierUnlimited,
				ComplianceLevel: apikey.ComplianceBasic,
				Grants: []apikey.GrantInput{
					{Permission: string(permission.Wildcard)},
				},
			})
			if err != nil {
				return err
			}

			// Printed once; the secret is not recoverable from storage.
			fmt.Printf("admin key_id: %s\ncredential: %s\n", record.KeyID, credential)

			return shutdowner.Shutdown()
		},
	})
}
