package tenant

import "go.uber.org/fx"

var Module = fx.Module("tenant",
	fx.Provide(NewRouter),
	fx.Provide(func(r *Router) Resolver { return r }),
)
