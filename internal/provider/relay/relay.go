// Package relay implements a Provider that submits mail to an SMTP relay
// over a session opened for each message.
package relay

import (
	"context"
	"log/slog"

	"github.com/shineum/mailkit/internal/email"
	"github.com/shineum/mailkit/internal/provider"
	"github.com/shineum/mailkit/internal/smtp"
	"github.com/shineum/mailkit/internal/transport"
)

// Config holds the relay endpoint and the account used to log in.
type Config struct {
	SMTP     smtp.Config
	Username string
	Password string
}

// Provider delivers each message over its own authenticated session.
type Provider struct {
	cfg Config
}

// New creates a relay Provider.
func New(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

// Send connects, upgrades with STARTTLS when configured, authenticates and
// delivers msg. The session is closed on every path. A message without a
// From is sent from the account username.
func (p *Provider) Send(ctx context.Context, msg *email.Message) (*email.DeliveryReceipt, error) {
	msg = provider.WithSender(msg, p.cfg.Username)

	s, err := smtp.Connect(ctx, p.cfg.SMTP)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.Disconnect(); err != nil {
			slog.Debug("smtp disconnect failed", "addr", p.cfg.SMTP.Addr, "error", err)
		}
	}()

	if s.Security() == transport.SecurityStartTLS {
		if err := s.Secure(ctx); err != nil {
			return nil, err
		}
	}
	if err := s.Authenticate(ctx, p.cfg.Username, p.cfg.Password); err != nil {
		return nil, err
	}
	return s.Deliver(ctx, msg)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}
