// Package imaptest runs in-process IMAP servers for tests: an in-memory
// mailbox store served by go-imap, and a scripted peer that stops answering
// at a chosen command.
package imaptest

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

// Options configures a Server.
type Options struct {
	Username string
	Password string

	// Mailboxes created for the user in addition to INBOX.
	Mailboxes []string

	// TLSConfig enables STARTTLS, or implicit TLS with ImplicitTLS set.
	TLSConfig   *tls.Config
	ImplicitTLS bool
}

// Server is an in-memory IMAP server listening on a loopback port.
type Server struct {
	opts     Options
	server   *imapserver.Server
	listener net.Listener
}

// Start launches a server for one user and closes it during cleanup.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	if opts.Username == "" {
		opts.Username = "user"
	}
	if opts.Password == "" {
		opts.Password = "pass"
	}

	mem := imapmemserver.New()
	user := imapmemserver.NewUser(opts.Username, opts.Password)
	for _, name := range append([]string{"INBOX"}, opts.Mailboxes...) {
		if err := user.Create(name, nil); err != nil {
			t.Fatalf("failed to create mailbox %q: %v", name, err)
		}
	}
	mem.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps: goimap.CapSet{
			goimap.CapIMAP4rev1: {},
			goimap.CapIMAP4rev2: {},
		},
		TLSConfig:    opts.TLSConfig,
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	if opts.ImplicitTLS && opts.TLSConfig != nil {
		ln = tls.NewListener(ln, opts.TLSConfig)
	}
	go srv.Serve(ln)

	s := &Server{opts: opts, server: srv, listener: ln}
	t.Cleanup(func() {
		srv.Close()
		ln.Close()
	})
	return s
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Username returns the account name.
func (s *Server) Username() string {
	return s.opts.Username
}

// Password returns the account password.
func (s *Server) Password() string {
	return s.opts.Password
}

// Append stores raw in mailbox with the given flags and returns its UID.
func (s *Server) Append(t testing.TB, mailbox string, raw []byte, flags ...string) uint32 {
	t.Helper()

	c := s.client(t)
	defer c.Close()

	opts := &goimap.AppendOptions{Time: time.Now()}
	for _, f := range flags {
		opts.Flags = append(opts.Flags, goimap.Flag(f))
	}

	cmd := c.Append(mailbox, int64(len(raw)), opts)
	if _, err := cmd.Write(raw); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}
	if err := cmd.Close(); err != nil {
		t.Fatalf("failed to close append: %v", err)
	}
	data, err := cmd.Wait()
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return uint32(data.UID)
}

// Flags returns the current flags of uid in mailbox.
func (s *Server) Flags(t testing.TB, mailbox string, uid uint32) []string {
	t.Helper()

	c := s.client(t)
	defer c.Close()

	if _, err := c.Select(mailbox, &goimap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		t.Fatalf("failed to select %q: %v", mailbox, err)
	}
	bufs, err := c.Fetch(goimap.UIDSetNum(goimap.UID(uid)), &goimap.FetchOptions{UID: true, Flags: true}).Collect()
	if err != nil {
		t.Fatalf("failed to fetch flags: %v", err)
	}
	if len(bufs) == 0 {
		t.Fatalf("message %d not found in %q", uid, mailbox)
	}
	out := make([]string, 0, len(bufs[0].Flags))
	for _, f := range bufs[0].Flags {
		out = append(out, string(f))
	}
	return out
}

// client opens an authenticated plain connection for fixture setup.
func (s *Server) client(t testing.TB) *imapclient.Client {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("failed to dial imap test server: %v", err)
	}
	var nc net.Conn = conn
	if s.opts.ImplicitTLS && s.opts.TLSConfig != nil {
		nc = tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	}
	c := imapclient.New(nc, nil)
	if err := c.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		c.Close()
		t.Fatalf("fixture login failed: %v", err)
	}
	return c
}
