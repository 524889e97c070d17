package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/resend/resend-go/v2"
)

// ResendSender sends mail through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

// NewResendSender creates a sender with a default from address used when a
// message carries none.
func NewResendSender(apiKey, from string) *ResendSender {
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}

// Send implements Sender.
func (s *ResendSender) Send(ctx context.Context, msg Message) (Result, error) {
	from := msg.From
	if from == "" {
		from = s.from
	}

	sent, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
	})
	if err != nil {
		return Result{}, fmt.Errorf("resend send to %s: %w", msg.To, err)
	}

	id := sent.Id
	if id == "" {
		// Keep the delivery log's provider-id column non-empty even when the
		// API omits an id.
		id = fmt.Sprintf("resend-%s", uuid.New().String()[:8])
	}
	return Result{ProviderID: id, SentAt: time.Now()}, nil
}
