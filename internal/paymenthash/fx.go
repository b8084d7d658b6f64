package paymenthash

import "go.uber.org/fx"

var Module = fx.Module("paymenthash.service",
	fx.Provide(NewService),
)
