// Package delivery sends outreach messages to contact addresses.
package delivery

import (
	"context"
	"strings"
	"time"

	"outreach-engine/pkg/errutil"
	"outreach-engine/services/engagement"

	"go.uber.org/zap"
)

type Receipt struct {
	ID      string             `json:"id"`
	Channel engagement.Channel `json:"channel"`
	At      time.Time          `json:"at"`
}

type Transport interface {
	Send(ctx context.Context, address, message string) (Receipt, error)
}

// Router picks a transport by the channel the address belongs to.
type Router struct {
	routes map[engagement.Channel]Transport
}

func NewRouter() *Router {
	return &Router{routes: map[engagement.Channel]Transport{}}
}

func (r *Router) Handle(ch engagement.Channel, t Transport) *Router {
	if t != nil {
		r.routes[ch] = t
	}
	return r
}

func (r *Router) Send(ctx context.Context, address, message string) (Receipt, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Receipt{}, errutil.ValidationFailed("contact address is required", nil)
	}
	if strings.TrimSpace(message) == "" {
		return Receipt{}, errutil.ValidationFailed("message is required", nil)
	}

	ch := engagement.ChannelFor(address)
	t, ok := r.routes[ch]
	if !ok {
		return Receipt{}, errutil.DeliveryFailed("no transport for channel "+string(ch), nil)
	}

	receipt, err := t.Send(ctx, address, message)
	if err != nil {
		zap.L().Warn("delivery failed", zap.String("channel", string(ch)), zap.Error(err))
		if errutil.StatusOf(err) == errutil.StatusUnknown {
			err = errutil.DeliveryFailed("delivery failed", err)
		}
		return Receipt{}, err
	}
	if receipt.Channel == "" {
		receipt.Channel = ch
	}
	return receipt, nil
}
