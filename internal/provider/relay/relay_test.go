package relay

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/shineum/mailkit/internal/email"
	"github.com/shineum/mailkit/internal/mailerr"
	"github.com/shineum/mailkit/internal/provider"
	"github.com/shineum/mailkit/internal/smtp"
	"github.com/shineum/mailkit/internal/smtptest"
	mailtls "github.com/shineum/mailkit/internal/tls"
	"github.com/shineum/mailkit/internal/transport"
)

var _ provider.Provider = (*Provider)(nil)

func TestSend_StartTLS(t *testing.T) {
	t.Parallel()

	pair, err := mailtls.NewPair("localhost")
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	srv := smtptest.Start(t, smtptest.Options{Username: "user@example.com", Password: "pass", TLSConfig: pair.Server})

	p := New(Config{
		SMTP: smtp.Config{
			Addr:      srv.Addr(),
			Security:  transport.SecurityStartTLS,
			TLSConfig: pair.Client,
			Timeout:   2 * time.Second,
		},
		Username: "user@example.com",
		Password: "pass",
	})

	receipt, err := p.Send(context.Background(), &email.Message{
		To:      []string{"to@example.com"},
		Bcc:     []string{"hidden@example.com"},
		Subject: "relayed",
		Text:    "hello",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.Provider != "smtp" {
		t.Errorf("Provider: got %q, want %q", receipt.Provider, "smtp")
	}
	if receipt.Code != 250 {
		t.Errorf("Code: got %d, want 250", receipt.Code)
	}

	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	if msgs[0].From != "user@example.com" {
		t.Errorf("envelope From: got %q, want %q", msgs[0].From, "user@example.com")
	}
	if want := []string{"to@example.com", "hidden@example.com"}; !slices.Equal(msgs[0].To, want) {
		t.Errorf("envelope To: got %v, want %v", msgs[0].To, want)
	}
	if bytes.Contains(msgs[0].Data, []byte("hidden@example.com")) {
		t.Error("Bcc recipient leaked into the message data")
	}
	if !slices.Contains(srv.Commands(), "STARTTLS") {
		t.Errorf("server commands %v missing STARTTLS", srv.Commands())
	}
}

func TestSend_AuthFailure(t *testing.T) {
	t.Parallel()

	srv := smtptest.Start(t, smtptest.Options{Username: "user", Password: "pass"})
	p := New(Config{
		SMTP: smtp.Config{
			Addr:              srv.Addr(),
			Security:          transport.SecurityNone,
			Timeout:           2 * time.Second,
			AllowInsecureAuth: true,
		},
		Username: "user",
		Password: "wrong",
	})

	_, err := p.Send(context.Background(), &email.Message{To: []string{"to@example.com"}, Text: "x"})
	if !errors.Is(err, mailerr.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if len(srv.Messages()) != 0 {
		t.Error("no message should be accepted after a failed login")
	}
}

func TestSend_ConnectFailure(t *testing.T) {
	t.Parallel()

	srv := smtptest.Start(t, smtptest.Options{})
	addr := srv.Addr()
	srv.Close()

	p := New(Config{SMTP: smtp.Config{Addr: addr, Security: transport.SecurityNone, Timeout: time.Second}})
	_, err := p.Send(context.Background(), &email.Message{To: []string{"to@example.com"}})
	if !errors.Is(err, mailerr.ErrConnect) {
		t.Errorf("expected connect error, got %v", err)
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := New(Config{}).Name(); got != "smtp" {
		t.Errorf("Name(): got %q, want %q", got, "smtp")
	}
}
