package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"outreach-engine/pkg/errutil"
	"outreach-engine/services/engagement"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type transportMock struct {
	sendFn func(ctx context.Context, address, message string) (Receipt, error)
}

func (m *transportMock) Send(ctx context.Context, address, message string) (Receipt, error) {
	return m.sendFn(ctx, address, message)
}

func TestRouterRoutesByChannel(t *testing.T) {
	var got []string
	phone := &transportMock{sendFn: func(_ context.Context, address, _ string) (Receipt, error) {
		got = append(got, "phone:"+address)
		return Receipt{ID: "p1"}, nil
	}}
	mail := &transportMock{sendFn: func(_ context.Context, address, _ string) (Receipt, error) {
		got = append(got, "mail:"+address)
		return Receipt{ID: "m1", Channel: engagement.ChannelEmail}, nil
	}}

	r := NewRouter().Handle(engagement.ChannelWhatsApp, phone).Handle(engagement.ChannelEmail, mail)

	rc, err := r.Send(context.Background(), "+919876543210", "hi")
	require.NoError(t, err)
	require.Equal(t, engagement.ChannelWhatsApp, rc.Channel)

	_, err = r.Send(context.Background(), "a@b.example", "hi")
	require.NoError(t, err)
	require.Equal(t, []string{"phone:+919876543210", "mail:a@b.example"}, got)
}

func TestRouterWithoutTransport(t *testing.T) {
	_, err := NewRouter().Send(context.Background(), "a@b.example", "hi")
	require.True(t, errutil.Is(err, errutil.StatusDeliveryFailed))
}

func TestRouterWrapsTransportErrors(t *testing.T) {
	r := NewRouter().Handle(engagement.ChannelEmail, &transportMock{
		sendFn: func(context.Context, string, string) (Receipt, error) {
			return Receipt{}, errors.New("smtp down")
		},
	})

	_, err := r.Send(context.Background(), "a@b.example", "hi")
	require.True(t, errutil.Is(err, errutil.StatusDeliveryFailed))
	require.Contains(t, err.Error(), "smtp down")
}

func TestRouterValidatesInput(t *testing.T) {
	_, err := NewRouter().Send(context.Background(), " ", "hi")
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = NewRouter().Send(context.Background(), "a@b.example", "")
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestGatewaySend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var msg gatewayMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		require.Equal(t, "+919876543210", msg.To)
		require.Equal(t, "whatsapp", msg.Channel)
		require.Equal(t, "hello", msg.Body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg-1","status":"queued"}`))
	}))
	defer srv.Close()

	gw := NewGateway(GatewayConfig{URL: srv.URL, Token: "tok"}, engagement.ChannelWhatsApp)
	rc, err := gw.Send(context.Background(), "+919876543210", "hello")
	require.NoError(t, err)
	require.Equal(t, "msg-1", rc.ID)
}

func TestGatewayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewGateway(GatewayConfig{URL: srv.URL}, engagement.ChannelWhatsApp).
		Send(context.Background(), "+919876543210", "hello")
	require.Error(t, err)
}

func TestGatewayRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg-2","status":"rejected"}`))
	}))
	defer srv.Close()

	_, err := NewGateway(GatewayConfig{URL: srv.URL}, engagement.ChannelWhatsApp).
		Send(context.Background(), "+919876543210", "hello")
	require.Error(t, err)
}
