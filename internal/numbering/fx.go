package numbering

import "go.uber.org/fx"

var Module = fx.Module("numbering.service",
	fx.Provide(NewService),
)
