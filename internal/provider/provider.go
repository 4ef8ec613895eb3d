// Package provider defines the interface for mail delivery backends.
package provider

import (
	"context"
	"time"

	"github.com/shineum/mailkit/internal/email"
)

// Provider is the interface that delivery backends must implement.
// Each backend hands a message to its target service (an SMTP relay,
// AWS SES, Microsoft Graph, or stdout for dry runs).
type Provider interface {
	// Send delivers msg and describes what the service accepted.
	Send(ctx context.Context, msg *email.Message) (*email.DeliveryReceipt, error)

	// Name returns the human-readable name of this provider.
	Name() string
}

// DefaultMaxRetries is the retry budget of the HTTP-based providers.
const DefaultMaxRetries = 3

// DefaultRetryDelay is the initial delay for exponential backoff.
const DefaultRetryDelay = 1 * time.Second

// Backoff returns the delay before retry attempt, doubling from base.
// Attempt 0 waits base.
func Backoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithSender returns msg with From defaulted to sender. msg is not modified.
func WithSender(msg *email.Message, sender string) *email.Message {
	if msg.From != "" || sender == "" {
		return msg
	}
	cp := *msg
	cp.From = sender
	return &cp
}
