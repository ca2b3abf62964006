package signing

import (
	"go.uber.org/fx"

	"github.com/agent-relay/relay/config"
)

var Module = fx.Module("signing",
	fx.Provide(
		func(cfg *config.Config) (*KeyStore, error) {
			return NewKeyStore(cfg.KeyDir())
		},
		func(cfg *config.Config) (VerifyPolicy, error) {
			return LoadVerifyPolicy(cfg.ConfigDir)
		},
		NewEnvelopeVerifier,
	),
)
