package apikey

import (
	"go.uber.org/fx"

	"smallbiznis-gatekeeper/pkg/config"
)

var Module = fx.Module("apikey.module",
	fx.Provide(
		NewRepository,
		NewService,
		provideCodec,
		func(r *Repository) KeyStore { return r },
		func(r *Repository) PermissionStore { return r },
		func(r *Repository) RateLimitConfigStore { return r },
		func(r *Repository) UsageLogStore { return r },
	),
)

func provideCodec(cfg *config.Config) *Codec {
	return NewCodec(cfg.Gatekeeper.CredentialSecret)
}
