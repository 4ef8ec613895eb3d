// Package mailer exposes sending and fetching as single calls. Each call
// opens its own session and releases it before returning.
package mailer

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/shineum/mailkit/internal/email"
	"github.com/shineum/mailkit/internal/htmltext"
	"github.com/shineum/mailkit/internal/imap"
	"github.com/shineum/mailkit/internal/mimecodec"
	"github.com/shineum/mailkit/internal/provider"
	"github.com/shineum/mailkit/internal/provider/relay"
	"github.com/shineum/mailkit/internal/smtp"
	"github.com/shineum/mailkit/internal/transport"
)

// Default endpoints.
const (
	DefaultSMTPHost = "smtp.gmail.com"
	DefaultSMTPPort = 587
	DefaultIMAPHost = "imap.gmail.com"
	DefaultIMAPPort = 993
	DefaultMailbox  = "INBOX"
	DefaultTimeout  = 30 * time.Second
)

// Config describes one account and the servers it uses.
type Config struct {
	Username string
	Password string

	SMTPHost     string
	SMTPPort     int
	SMTPSecurity transport.Security

	IMAPHost     string
	IMAPPort     int
	IMAPSecurity transport.Security

	// Mailbox is selected by Fetch unless the request names another.
	Mailbox string

	Timeout   time.Duration
	TLSConfig *tls.Config
	Dialer    transport.Dialer

	// SMTPAllowInsecureAuth and IMAPAllowInsecureAuth permit credentials
	// over unencrypted connections, each for its own protocol.
	SMTPAllowInsecureAuth bool
	IMAPAllowInsecureAuth bool

	Codec *mimecodec.Codec

	// Provider delivers outbound mail. Defaults to the SMTP relay above.
	Provider provider.Provider
}

// DefaultConfig returns a configuration with the default endpoints,
// STARTTLS for SMTP and implicit TLS for IMAP.
func DefaultConfig() Config {
	return Config{
		SMTPHost:     DefaultSMTPHost,
		SMTPPort:     DefaultSMTPPort,
		SMTPSecurity: transport.SecurityStartTLS,
		IMAPHost:     DefaultIMAPHost,
		IMAPPort:     DefaultIMAPPort,
		IMAPSecurity: transport.SecurityTLS,
		Mailbox:      DefaultMailbox,
		Timeout:      DefaultTimeout,
	}
}

// FetchRequest selects and retrieves messages from one mailbox.
type FetchRequest struct {
	// Mailbox overrides Config.Mailbox.
	Mailbox  string
	Criteria imap.Criteria
	Charset  string
	Options  imap.FetchOptions
}

// DefaultFetchRequest returns the newest message of the default mailbox
// and marks it seen.
func DefaultFetchRequest() FetchRequest {
	return FetchRequest{
		Charset: imap.CharsetASCII,
		Options: imap.FetchOptions{
			Limit:    1,
			MarkSeen: true,
			Reverse:  true,
		},
	}
}

// Client sends and fetches mail for one account. It holds no connection
// between calls and is safe for concurrent use.
type Client struct {
	cfg      Config
	provider provider.Provider
}

// New returns a Client. Empty hosts, ports, mailbox and timeout take their
// defaults, and SecurityDefault resolves to STARTTLS for SMTP and implicit
// TLS for IMAP.
func New(cfg Config) *Client {
	if cfg.SMTPHost == "" {
		cfg.SMTPHost = DefaultSMTPHost
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = DefaultSMTPPort
	}
	if cfg.IMAPHost == "" {
		cfg.IMAPHost = DefaultIMAPHost
	}
	if cfg.IMAPPort == 0 {
		cfg.IMAPPort = DefaultIMAPPort
	}
	cfg.SMTPSecurity = cfg.SMTPSecurity.Or(transport.SecurityStartTLS)
	cfg.IMAPSecurity = cfg.IMAPSecurity.Or(transport.SecurityTLS)
	if cfg.Mailbox == "" {
		cfg.Mailbox = DefaultMailbox
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = mimecodec.New(htmltext.Renderer{})
	}

	p := cfg.Provider
	if p == nil {
		p = relay.New(relay.Config{
			SMTP:     cfg.smtpConfig(),
			Username: cfg.Username,
			Password: cfg.Password,
		})
	}
	return &Client{cfg: cfg, provider: p}
}

// Provider returns the delivery backend in use.
func (c *Client) Provider() provider.Provider {
	return c.provider
}

// Send delivers msg. A message without a From is sent from the account
// username.
func (c *Client) Send(ctx context.Context, msg *email.Message) (*email.DeliveryReceipt, error) {
	msg = provider.WithSender(msg, c.cfg.Username)

	receipt, err := c.provider.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	slog.Debug("message sent",
		"provider", receipt.Provider,
		"message_id", receipt.MessageID,
		"recipients", len(receipt.Recipients),
		"dropped", len(receipt.Dropped),
	)
	return receipt, nil
}

// Fetch connects, logs in, selects the mailbox, searches and retrieves the
// matches. In-band failures are returned as results with Err set; the
// error is reserved for failures that end the call. Results received
// before such a failure are returned alongside it.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) ([]imap.Result, error) {
	mailbox := req.Mailbox
	if mailbox == "" {
		mailbox = c.cfg.Mailbox
	}

	s, err := imap.Connect(ctx, c.cfg.imapConfig())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.Disconnect(); err != nil {
			slog.Debug("imap disconnect failed", "error", err)
		}
	}()

	if err := s.Authenticate(ctx, c.cfg.Username, c.cfg.Password); err != nil {
		return nil, err
	}
	if _, err := s.SelectMailbox(ctx, mailbox); err != nil {
		return nil, err
	}
	uids, err := s.Search(ctx, req.Criteria, req.Charset)
	if err != nil {
		return nil, err
	}

	st, err := s.Fetch(ctx, uids, req.Options)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	var out []imap.Result
	for st.Next() {
		out = append(out, st.Result())
	}
	slog.Debug("messages fetched", "mailbox", mailbox, "matched", len(uids), "returned", len(out))
	return out, st.Err()
}

func (c Config) smtpConfig() smtp.Config {
	return smtp.Config{
		Addr:              net.JoinHostPort(c.SMTPHost, strconv.Itoa(c.SMTPPort)),
		Security:          c.SMTPSecurity,
		TLSConfig:         c.TLSConfig,
		Timeout:           c.Timeout,
		Dialer:            c.Dialer,
		AllowInsecureAuth: c.SMTPAllowInsecureAuth,
		Codec:             c.Codec,
	}
}

func (c Config) imapConfig() imap.Config {
	return imap.Config{
		Addr:              net.JoinHostPort(c.IMAPHost, strconv.Itoa(c.IMAPPort)),
		Security:          c.IMAPSecurity,
		TLSConfig:         c.TLSConfig,
		Timeout:           c.Timeout,
		Dialer:            c.Dialer,
		AllowInsecureAuth: c.IMAPAllowInsecureAuth,
		Codec:             c.Codec,
	}
}
