package delivery

import (
	"outreach-engine/pkg/config"
	"outreach-engine/services/engagement"

	"go.uber.org/fx"
)

var Module = fx.Module("delivery",
	fx.Provide(New),
)

// New wires the gateway for phone and profile addresses and Resend for
// e-mail, skipping whichever is not configured.
func New(cfg *config.Config) Transport {
	r := NewRouter()

	if cfg.Gateway.URL != "" {
		gw := GatewayConfig{
			URL:     cfg.Gateway.URL,
			Token:   cfg.Gateway.Token,
			Sender:  cfg.Gateway.Sender,
			Timeout: cfg.Outreach.DeliveryTimeout,
		}
		r.Handle(engagement.ChannelWhatsApp, NewGateway(gw, engagement.ChannelWhatsApp))
		r.Handle(engagement.ChannelProfile, NewGateway(gw, engagement.ChannelProfile))
	}

	if cfg.Resend.APIKey != "" {
		r.Handle(engagement.ChannelEmail, NewEmail(EmailConfig{
			APIKey:    cfg.Resend.APIKey,
			FromEmail: cfg.Resend.FromEmail,
			FromName:  cfg.Resend.FromName,
			Subject:   cfg.Resend.Subject,
		}))
	}

	return r
}
