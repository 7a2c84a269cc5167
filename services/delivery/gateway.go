package delivery

import (
	"context"
	"fmt"
	"time"

	"outreach-engine/services/engagement"

	"github.com/go-resty/resty/v2"
)

type GatewayConfig struct {
	URL     string
	Token   string
	Sender  string
	Timeout time.Duration
}

type gatewayMessage struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

type gatewayReceipt struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Gateway posts messages to an HTTP messaging gateway (WhatsApp Business
// relay, Twilio-style proxy or similar).
type Gateway struct {
	client  *resty.Client
	sender  string
	channel engagement.Channel
	now     func() time.Time
}

func NewGateway(cfg GatewayConfig, ch engagement.Channel) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &Gateway{client: client, sender: cfg.Sender, channel: ch, now: time.Now}
}

func (g *Gateway) Send(ctx context.Context, address, message string) (Receipt, error) {
	var out gatewayReceipt
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(gatewayMessage{
			To:      address,
			From:    g.sender,
			Channel: string(g.channel),
			Body:    message,
		}).
		SetResult(&out).
		Post("/messages")
	if err != nil {
		return Receipt{}, err
	}
	if resp.IsError() {
		return Receipt{}, fmt.Errorf("gateway returned %d", resp.StatusCode())
	}
	if out.Status == "failed" || out.Status == "rejected" {
		return Receipt{}, fmt.Errorf("gateway rejected message %s", out.ID)
	}

	return Receipt{ID: out.ID, Channel: g.channel, At: g.now()}, nil
}
