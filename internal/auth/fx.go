package auth

import (
	"go.uber.org/fx"

	"github.com/pointdeck/backend/internal/config"
)

var Module = fx.Module("auth",
	fx.Provide(
		NewTokenValidatorFx,
		NewResolver,
	),
)

// NewTokenValidatorFx creates the token validator from config for fx.
func NewTokenValidatorFx(cfg *config.Config) *TokenValidator {
	return NewTokenValidator(cfg.JWT.Secret)
}
