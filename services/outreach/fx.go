package outreach

import "go.uber.org/fx"

var Module = fx.Module("outreach.engine",
	fx.Provide(NewEngine),
)
