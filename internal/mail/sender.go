// Package mail defines the transport contract for outbound email and its
// Resend implementation. A non-success response from the provider is always
// a per-recipient error, never fatal to a batch or the control loop.
package mail

import (
	"context"
	"time"
)

// Message is one fully rendered outbound email.
type Message struct {
	From    string // RFC 5322 "Name <email>" or bare address
	To      string
	Subject string
	HTML    string
}

// Result reports the provider's acceptance of a single message.
type Result struct {
	ProviderID string
	SentAt     time.Time
}

// Sender delivers a single message. Implementations must be safe for
// concurrent use; the batch dispatcher fans out sends within a batch.
type Sender interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// Recipient formats a display name and address into RFC 5322 form.
func Recipient(name, email string) string {
	if name == "" {
		return email
	}
	return name + " <" + email + ">"
}
