package artwork

import "go.uber.org/fx"

var Module = fx.Module("artwork.service",
	fx.Provide(NewService),
)
