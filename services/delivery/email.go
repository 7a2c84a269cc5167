package delivery

import (
	"context"
	"fmt"
	"time"

	"outreach-engine/services/engagement"

	"github.com/resendlabs/resend-go"
)

type EmailConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	Subject   string
}

// Email delivers plain-text messages through Resend.
type Email struct {
	client  *resend.Client
	from    string
	subject string
}

func NewEmail(cfg EmailConfig) *Email {
	from := cfg.FromEmail
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail)
	}

	return &Email{
		client:  resend.NewClient(cfg.APIKey),
		from:    from,
		subject: cfg.Subject,
	}
}

type sendResult struct {
	id  string
	err error
}

func (e *Email) Send(ctx context.Context, address, message string) (Receipt, error) {
	done := make(chan sendResult, 1)
	go func() {
		resp, err := e.client.Emails.Send(&resend.SendEmailRequest{
			From:    e.from,
			To:      []string{address},
			Subject: e.subject,
			Text:    message,
		})
		if err != nil {
			done <- sendResult{err: err}
			return
		}
		done <- sendResult{id: resp.Id}
	}()

	// the client takes no context; abandon the call when ctx ends
	select {
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return Receipt{}, fmt.Errorf("resend: %w", res.err)
		}
		return Receipt{ID: res.id, Channel: engagement.ChannelEmail, At: time.Now()}, nil
	}
}
