package generator

import (
	"outreach-engine/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("generator",
	fx.Provide(New),
)

// New builds the provider chain from config: OpenAI first when a key is set,
// then the OpenAI-compatible fallback endpoint when a URL is set.
func New(cfg *config.Config) Generator {
	var providers []Provider

	if cfg.OpenAI.APIKey != "" {
		providers = append(providers, NewOpenAI(OpenAIConfig{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			MaxTokens:   cfg.OpenAI.MaxTokens,
			Temperature: cfg.OpenAI.Temperature,
		}))
	}

	if cfg.FallbackLLM.URL != "" {
		providers = append(providers, NewHTTPChat(HTTPChatConfig{
			URL:     cfg.FallbackLLM.URL,
			APIKey:  cfg.FallbackLLM.APIKey,
			Model:   cfg.FallbackLLM.Model,
			Timeout: cfg.Outreach.GenerateTimeout,
		}))
	}

	if len(providers) == 0 {
		zap.L().Warn("no content provider configured; follow-ups will use fallback copy")
	}

	return NewFailover(providers...)
}
