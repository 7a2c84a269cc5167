package discovery

import (
	"outreach-engine/pkg/config"

	"go.uber.org/fx"
)

var Module = fx.Module("discovery",
	fx.Provide(New),
)

func New(cfg *config.Config) (*Service, error) {
	return NewService(Config{
		URL:     cfg.Discovery.URL,
		APIKey:  cfg.Discovery.APIKey,
		Qualify: cfg.Discovery.Qualify,
		Timeout: cfg.Discovery.Timeout,
	})
}
