// Package imap implements an IMAP retrieval session on top of go-imap's
// client: login, mailbox selection, search, streaming fetch and flag
// updates, with every command bounded by the configured timeout.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

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
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultTimeout bounds each command when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Config describes how to reach the IMAP server.
type Config struct {
	// Addr is the server address as host:port.
	Addr string

	// Security defaults to implicit TLS.
	Security transport.Security

	// TLSConfig is used for implicit TLS and STARTTLS. When nil, the
	// system roots are used with the host part of Addr as server name.
	TLSConfig *tls.Config

	Timeout time.Duration
	Dialer  transport.Dialer

	// AllowInsecureAuth permits LOGIN over an unencrypted stream.
	AllowInsecureAuth bool

	// Codec decodes fetched messages. Defaults to a codec rendering HTML
	// with htmltext.
	Codec *mimecodec.Codec
}

// MailboxInfo describes the selected mailbox.
type MailboxInfo struct {
	Name        string
	Messages    uint32
	UIDValidity uint32
	UIDNext     uint32

	// FirstUID and LastUID are zero for an empty mailbox.
	FirstUID uint32
	LastUID  uint32
}

// Session is a single IMAP connection. It is not safe for concurrent use,
// and a FetchStream counts as a use until it is closed.
type Session struct {
	cfg Config

	conn    *transport.Conn
	client  *imapclient.Client
	state   State
	secure  bool
	mailbox *MailboxInfo
}

// Connect dials the server and waits for its greeting. With STARTTLS the
// stream is upgraded before Connect returns.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = mimecodec.New(htmltext.Renderer{})
	}
	cfg.Security = cfg.Security.Or(transport.SecurityTLS)
	s := &Session{cfg: cfg}
	tlsConfig := s.tlsConfig()

	conn, err := transport.Dial(ctx, cfg.Dialer, cfg.Addr, cfg.Security, tlsConfig, cfg.Timeout)
	if err != nil {
		return nil, classifyDial(ctx, err)
	}
	s.conn = conn

	opts := &imapclient.Options{TLSConfig: tlsConfig}
	err = s.run(ctx, mailerr.KindConnect, "greeting", func() error {
		if cfg.Security == transport.SecurityStartTLS {
			c, err := imapclient.NewStartTLS(conn, opts)
			if err != nil {
				return err
			}
			s.client = c
			return nil
		}
		s.client = imapclient.New(conn, opts)
		return s.client.WaitGreeting()
	})
	if err != nil {
		s.close()
		var merr *mailerr.Error
		if cfg.Security == transport.SecurityStartTLS && errors.As(err, &merr) && merr.Kind == mailerr.KindConnect {
			merr.Kind = mailerr.KindSecurity
		}
		return nil, err
	}

	s.secure = cfg.Security != transport.SecurityNone
	s.state = StateConnected
	slog.Debug("imap session connected", "addr", cfg.Addr, "security", cfg.Security.String())
	return s, nil
}

// State returns the current protocol state.
func (s *Session) State() State {
	return s.state
}

// Encrypted reports whether the session runs over TLS.
func (s *Session) Encrypted() bool {
	return s.secure
}

// Mailbox returns the selected mailbox, or nil.
func (s *Session) Mailbox() *MailboxInfo {
	return s.mailbox
}

// Authenticate logs in. A rejected login leaves the session connected.
func (s *Session) Authenticate(ctx context.Context, username, password string) error {
	switch {
	case s.state == StateDisconnected:
		return mailerr.Errorf(mailerr.KindAuth, "LOGIN", "session is %s", s.state)
	case s.state != StateConnected:
		return mailerr.Errorf(mailerr.KindAuth, "LOGIN", "session is already authenticated")
	case !s.secure && !s.cfg.AllowInsecureAuth:
		return mailerr.Errorf(mailerr.KindSecurity, "LOGIN", "refusing to send credentials over an unencrypted connection")
	}

	err := s.run(ctx, mailerr.KindAuth, "LOGIN", func() error {
		return s.client.Login(username, password).Wait()
	})
	if err != nil {
		return err
	}
	s.state = StateAuthenticated
	return nil
}

// SelectMailbox opens name read-write and reports its size and UID range.
// A failed select leaves no mailbox selected.
func (s *Session) SelectMailbox(ctx context.Context, name string) (*MailboxInfo, error) {
	if s.state != StateAuthenticated && s.state != StateSelected {
		return nil, mailerr.Errorf(mailerr.KindMailbox, "SELECT", "session is %s, want %s", s.state, StateAuthenticated)
	}

	var data *goimap.SelectData
	err := s.run(ctx, mailerr.KindMailbox, "SELECT", func() error {
		var err error
		data, err = s.client.Select(name, nil).Wait()
		return err
	})
	if err != nil {
		if s.state != StateDisconnected {
			s.state = StateAuthenticated
			s.mailbox = nil
		}
		return nil, err
	}

	info := &MailboxInfo{
		Name:        name,
		Messages:    data.NumMessages,
		UIDValidity: data.UIDValidity,
		UIDNext:     uint32(data.UIDNext),
	}
	s.state = StateSelected
	s.mailbox = info

	if data.NumMessages > 0 {
		var uids []goimap.UID
		err := s.run(ctx, mailerr.KindMailbox, "SEARCH", func() error {
			res, err := s.client.UIDSearch(&goimap.SearchCriteria{}, nil).Wait()
			if err != nil {
				return err
			}
			uids = res.AllUIDs()
			return nil
		})
		if err != nil {
			if s.state != StateDisconnected {
				s.state = StateAuthenticated
				s.mailbox = nil
			}
			return nil, err
		}
		if len(uids) > 0 {
			info.FirstUID = uint32(uids[0])
			info.LastUID = uint32(uids[len(uids)-1])
		}
	}

	slog.Debug("imap mailbox selected",
		"mailbox", name,
		"messages", info.Messages,
		"uid_validity", info.UIDValidity,
	)
	return info, nil
}

// MarkSeen adds \Seen to uids. Setting it on a seen message is a no-op.
func (s *Session) MarkSeen(ctx context.Context, uids ...uint32) error {
	if s.state != StateSelected {
		return mailerr.Errorf(mailerr.KindFetch, "STORE", "session is %s, want %s", s.state, StateSelected)
	}
	if len(uids) == 0 {
		return nil
	}
	return s.run(ctx, mailerr.KindFetch, "STORE", func() error {
		return s.client.Store(uidSet(uids), &goimap.StoreFlags{
			Op:     goimap.StoreFlagsAdd,
			Silent: true,
			Flags:  []goimap.Flag{goimap.FlagSeen},
		}, nil).Close()
	})
}

// Disconnect sends LOGOUT when the stream is still usable and always
// closes the transport.
func (s *Session) Disconnect() error {
	if s.conn == nil {
		s.state = StateDisconnected
		return nil
	}
	if s.client != nil && !s.conn.TimedOut() && !s.conn.Interrupted() {
		s.conn.Arm()
		if err := s.client.Logout().Wait(); err != nil {
			slog.Debug("imap LOGOUT failed", "error", err)
		}
	}
	return s.close()
}

func (s *Session) close() error {
	var err error
	switch {
	case s.client != nil:
		err = s.client.Close()
	case s.conn != nil:
		err = s.conn.Close()
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	s.client = nil
	s.conn = nil
	s.mailbox = nil
	s.state = StateDisconnected
	return err
}

// run executes one command with the read timeout armed and ctx watched.
func (s *Session) run(ctx context.Context, kind mailerr.Kind, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		s.close()
		return mailerr.New(mailerr.KindCanceled, op, err)
	}
	if s.conn == nil {
		return mailerr.Errorf(mailerr.KindConnect, op, "session is disconnected")
	}
	s.conn.Arm()
	stop := s.conn.Watch(ctx)
	err := fn()
	stop()
	if s.conn != nil {
		s.conn.Disarm()
	}
	if err == nil {
		return nil
	}
	return s.fail(ctx, kind, op, 0, err)
}

// fail classifies err. Server NO and BAD responses are in-band and keep the
// session; anything else leaves the protocol state unknown and disconnects.
func (s *Session) fail(ctx context.Context, kind mailerr.Kind, op string, uid uint32, err error) error {
	e := &mailerr.Error{Kind: kind, Op: op, UID: uid, Err: err}
	var ierr *goimap.Error
	switch {
	case ctx.Err() != nil || (s.conn != nil && s.conn.Interrupted()):
		e.Kind = mailerr.KindCanceled
		if ctx.Err() != nil {
			e.Err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		s.close()
	case s.conn != nil && s.conn.TimedOut():
		e.Kind = mailerr.KindTimeout
		s.close()
	case errors.As(err, &ierr):
	default:
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

func uidSet(uids []uint32) goimap.UIDSet {
	set := make([]goimap.UID, len(uids))
	for i, u := range uids {
		set[i] = goimap.UID(u)
	}
	return goimap.UIDSetNum(set...)
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
