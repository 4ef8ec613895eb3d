// Package smtp implements an SMTP submission client: greeting and EHLO,
// STARTTLS, SASL authentication and message delivery, driven as an explicit
// state machine over a transport.Conn.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/mailkit/internal/email"
	"github.com/shineum/mailkit/internal/htmltext"
	"github.com/shineum/mailkit/internal/mailerr"
	"github.com/shineum/mailkit/internal/mimecodec"
	"github.com/shineum/mailkit/internal/transport"
)

// State is the protocol state of a Session.
type State int

// Session states.
const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateSending
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSending:
		return "sending"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultTimeout bounds each network read when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Config describes how to reach and talk to a submission server.
type Config struct {
	// Addr is the server address as host:port.
	Addr string

	// Security defaults to STARTTLS.
	Security transport.Security

	// TLSConfig is used for implicit TLS and STARTTLS. When nil, the
	// system roots are used with the host part of Addr as server name.
	TLSConfig *tls.Config

	Timeout time.Duration
	Dialer  transport.Dialer

	// LocalName is sent in EHLO. Defaults to "localhost".
	LocalName string

	// AllowInsecureAuth permits credentials over an unencrypted stream.
	AllowInsecureAuth bool

	// Codec encodes messages for DATA. Defaults to a codec rendering
	// HTML with htmltext.
	Codec *mimecodec.Codec
}

// Session is a single SMTP connection. It is not safe for concurrent use.
type Session struct {
	cfg Config

	conn  *transport.Conn
	text  *textproto.Conn
	state State
	ext   map[string]string
}

// Connect dials the server, reads the greeting and introduces the client.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	cfg.Security = cfg.Security.Or(transport.SecurityStartTLS)
	if cfg.Codec == nil {
		cfg.Codec = mimecodec.New(htmltext.Renderer{})
	}
	s := &Session{cfg: cfg}

	conn, err := transport.Dial(ctx, cfg.Dialer, cfg.Addr, cfg.Security, s.tlsConfig(), cfg.Timeout)
	if err != nil {
		return nil, classifyDial(ctx, err)
	}
	conn.Arm()
	s.conn = conn
	s.text = textproto.NewConn(conn)

	stop := conn.Watch(ctx)
	defer stop()

	if _, _, err := s.text.ReadResponse(220); err != nil {
		return nil, s.fail(ctx, mailerr.KindConnect, "greeting", err, true)
	}
	if err := s.hello(); err != nil {
		return nil, s.fail(ctx, mailerr.KindConnect, "EHLO", err, true)
	}

	s.state = StateConnected
	slog.Debug("smtp session connected",
		"addr", cfg.Addr,
		"security", cfg.Security.String(),
		"extensions", s.extensionNames(),
	)
	return s, nil
}

// State returns the current protocol state.
func (s *Session) State() State {
	return s.state
}

// Security returns the resolved security mode the session was opened with.
func (s *Session) Security() transport.Security {
	return s.cfg.Security
}

// Encrypted reports whether the session runs over TLS.
func (s *Session) Encrypted() bool {
	return s.conn != nil && s.conn.Secure()
}

// Extension reports whether the server advertised ext, with its parameter.
func (s *Session) Extension(ext string) (bool, string) {
	v, ok := s.ext[strings.ToUpper(ext)]
	return ok, v
}

// Secure upgrades the connection with STARTTLS. It must be called before
// Authenticate and is a no-op when the stream is already encrypted.
func (s *Session) Secure(ctx context.Context) error {
	switch {
	case s.state != StateConnected:
		return mailerr.Errorf(mailerr.KindSecurity, "STARTTLS", "session is %s, want %s", s.state, StateConnected)
	case s.conn.Secure():
		return nil
	}
	if ok, _ := s.Extension("STARTTLS"); !ok {
		return mailerr.Errorf(mailerr.KindSecurity, "STARTTLS", "server does not support STARTTLS")
	}

	stop := s.conn.Watch(ctx)
	defer stop()

	if _, _, err := s.cmd(220, "STARTTLS"); err != nil {
		return s.fail(ctx, mailerr.KindSecurity, "STARTTLS", err, false)
	}
	if err := s.conn.StartTLS(ctx, s.tlsConfig()); err != nil {
		return s.fail(ctx, mailerr.KindSecurity, "handshake", err, true)
	}
	s.text = textproto.NewConn(s.conn)
	if err := s.hello(); err != nil {
		return s.fail(ctx, mailerr.KindSecurity, "EHLO", err, true)
	}
	return nil
}

// Deliver sends msg in one mail transaction and returns the server's final
// reply. A rejected command leaves the session authenticated for another
// attempt; a transport failure disconnects it.
func (s *Session) Deliver(ctx context.Context, msg *email.Message) (*email.DeliveryReceipt, error) {
	if s.state != StateAuthenticated {
		return nil, mailerr.Errorf(mailerr.KindDelivery, "MAIL FROM", "session is %s, want %s", s.state, StateAuthenticated)
	}
	if msg.From == "" {
		return nil, mailerr.Errorf(mailerr.KindDelivery, "MAIL FROM", "message has no sender")
	}
	rcpts := msg.Recipients()
	if len(rcpts) == 0 {
		return nil, mailerr.Errorf(mailerr.KindDelivery, "RCPT TO", "message has no recipients")
	}

	from, err := envelopeAddress(msg.From)
	if err != nil {
		return nil, mailerr.New(mailerr.KindDelivery, "MAIL FROM", err)
	}
	to := make([]string, 0, len(rcpts))
	for _, r := range rcpts {
		addr, err := envelopeAddress(r)
		if err != nil {
			return nil, mailerr.New(mailerr.KindDelivery, "RCPT TO", err)
		}
		to = append(to, addr)
	}

	enc, err := s.cfg.Codec.Encode(msg)
	if err != nil {
		return nil, err
	}

	stop := s.conn.Watch(ctx)
	defer stop()

	s.state = StateSending
	defer func() {
		if s.state == StateSending {
			s.state = StateAuthenticated
		}
	}()

	if _, _, err := s.cmd(250, "MAIL FROM:<%s>", from); err != nil {
		return nil, s.reject(ctx, "MAIL FROM", err)
	}
	for _, addr := range to {
		if _, _, err := s.cmd(25, "RCPT TO:<%s>", addr); err != nil {
			return nil, s.reject(ctx, "RCPT TO", err)
		}
	}
	if _, _, err := s.cmd(354, "DATA"); err != nil {
		return nil, s.reject(ctx, "DATA", err)
	}

	w := s.text.DotWriter()
	if _, err := w.Write(enc.Data); err != nil {
		w.Close()
		return nil, s.fail(ctx, mailerr.KindDelivery, "DATA", err, true)
	}
	if err := w.Close(); err != nil {
		return nil, s.fail(ctx, mailerr.KindDelivery, "DATA", err, true)
	}

	code, status, err := s.text.ReadResponse(250)
	if err != nil {
		return nil, s.fail(ctx, mailerr.KindDelivery, "DATA", err, false)
	}

	slog.Debug("smtp message delivered",
		"message_id", enc.MessageID,
		"recipients", len(to),
		"size", len(enc.Data),
		"dropped_attachments", len(enc.Dropped),
	)

	return &email.DeliveryReceipt{
		Code:       code,
		Status:     status,
		Provider:   "smtp",
		MessageID:  enc.MessageID,
		Recipients: to,
		Size:       len(enc.Data),
		Attached:   enc.Attached,
		Dropped:    enc.Dropped,
	}, nil
}

// Disconnect sends QUIT when the stream is still usable and always closes
// the transport.
func (s *Session) Disconnect() error {
	if s.conn == nil {
		s.state = StateDisconnected
		return nil
	}
	if !s.conn.TimedOut() && !s.conn.Interrupted() {
		if _, _, err := s.cmd(221, "QUIT"); err != nil {
			slog.Debug("smtp QUIT failed", "error", err)
		}
	}
	return s.close()
}

func (s *Session) close() error {
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.conn = nil
	s.text = nil
	s.state = StateDisconnected
	return err
}

// hello sends EHLO, falling back to HELO for servers that reject it.
func (s *Session) hello() error {
	_, msg, err := s.cmd(250, "EHLO %s", s.cfg.LocalName)
	if err != nil {
		var perr *textproto.Error
		if !errors.As(err, &perr) || perr.Code/100 != 5 {
			return err
		}
		if _, _, err := s.cmd(250, "HELO %s", s.cfg.LocalName); err != nil {
			return err
		}
		s.ext = map[string]string{}
		return nil
	}
	s.ext = parseExtensions(msg)
	return nil
}

// cmd sends one command line and reads its reply. expect follows
// textproto.Reader.ReadResponse: a one or two digit prefix or a full code,
// zero accepting anything.
func (s *Session) cmd(expect int, format string, args ...any) (int, string, error) {
	id, err := s.text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	s.text.StartResponse(id)
	defer s.text.EndResponse(id)
	return s.text.ReadResponse(expect)
}

// reject aborts the current transaction after a refused command.
func (s *Session) reject(ctx context.Context, op string, err error) error {
	out := s.fail(ctx, mailerr.KindDelivery, op, err, false)
	if s.state != StateDisconnected {
		if _, _, rerr := s.cmd(250, "RSET"); rerr != nil {
			slog.Debug("smtp RSET failed", "error", rerr)
			if !isReply(rerr) {
				s.close()
			}
		}
	}
	return out
}

// fail classifies err and disconnects when the transport can no longer be
// trusted. Server replies keep the session open unless fatal is set.
func (s *Session) fail(ctx context.Context, kind mailerr.Kind, op string, err error, fatal bool) error {
	e := &mailerr.Error{Kind: kind, Op: op, Err: err}
	var (
		perr    *textproto.Error
		aborted *abortedExchange
	)
	if errors.As(err, &perr) {
		e.Code = perr.Code
	}

	switch {
	case ctx.Err() != nil || (s.conn != nil && s.conn.Interrupted()):
		e.Kind = mailerr.KindCanceled
		if ctx.Err() != nil {
			e.Err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		fatal = true
	case s.conn != nil && s.conn.TimedOut():
		e.Kind = mailerr.KindTimeout
		fatal = true
	case perr == nil && !errors.As(err, &aborted):
		fatal = true
	}

	if fatal {
		s.close()
	}
	return e
}

func (s *Session) tlsConfig() *tls.Config {
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		host = s.cfg.Addr
	}
	if s.cfg.TLSConfig == nil {
		return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	if s.cfg.TLSConfig.ServerName != "" || s.cfg.TLSConfig.InsecureSkipVerify {
		return s.cfg.TLSConfig
	}
	cfg := s.cfg.TLSConfig.Clone()
	cfg.ServerName = host
	return cfg
}

func (s *Session) extensionNames() []string {
	names := make([]string, 0, len(s.ext))
	for k := range s.ext {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// parseExtensions reads the EHLO reply. The first line is the greeting.
func parseExtensions(msg string) map[string]string {
	ext := map[string]string{}
	lines := strings.Split(msg, "\n")
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, _ := strings.Cut(line, " ")
		ext[strings.ToUpper(key)] = strings.TrimSpace(val)
	}
	return ext
}

// envelopeAddress extracts the bare address for MAIL FROM and RCPT TO.
func envelopeAddress(addr string) (string, error) {
	a, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if strings.ContainsAny(a.Address, "\r\n<>") {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return a.Address, nil
}

func isReply(err error) bool {
	var perr *textproto.Error
	return errors.As(err, &perr)
}

func classifyDial(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return mailerr.New(mailerr.KindCanceled, "dial", fmt.Errorf("%w: %w", ctx.Err(), err))
	case transport.IsTimeout(err):
		return mailerr.New(mailerr.KindTimeout, "dial", err)
	case errors.Is(err, transport.ErrHandshake):
		return mailerr.New(mailerr.KindSecurity, "handshake", err)
	}
	return mailerr.New(mailerr.KindConnect, "dial", err)
}
