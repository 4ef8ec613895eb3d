package mailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/mailkit/internal/email"
	"github.com/shineum/mailkit/internal/imap"
	"github.com/shineum/mailkit/internal/imaptest"
	"github.com/shineum/mailkit/internal/mailerr"
	"github.com/shineum/mailkit/internal/provider/stdout"
	"github.com/shineum/mailkit/internal/smtptest"
	"github.com/shineum/mailkit/internal/transport"
)

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("port %q: %v", port, err)
	}
	return host, n
}

// localConfig points both protocols at cleartext test servers.
func localConfig(t *testing.T, smtpAddr, imapAddr string, username, password string) Config {
	t.Helper()
	cfg := Config{
		Username:              username,
		Password:              password,
		SMTPSecurity:          transport.SecurityNone,
		IMAPSecurity:          transport.SecurityNone,
		Timeout:               2 * time.Second,
		SMTPAllowInsecureAuth: true,
		IMAPAllowInsecureAuth: true,
	}
	if smtpAddr != "" {
		cfg.SMTPHost, cfg.SMTPPort = hostPort(t, smtpAddr)
	}
	if imapAddr != "" {
		cfg.IMAPHost, cfg.IMAPPort = hostPort(t, imapAddr)
	}
	return cfg
}

func rawMessage(subject string) []byte {
	return []byte("From: sender@example.com\r\n" +
		"To: me@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		subject + " body\r\n")
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	if c.cfg.SMTPHost != DefaultSMTPHost || c.cfg.SMTPPort != 587 {
		t.Errorf("smtp endpoint: got %s:%d, want %s:587", c.cfg.SMTPHost, c.cfg.SMTPPort, DefaultSMTPHost)
	}
	if c.cfg.IMAPHost != DefaultIMAPHost || c.cfg.IMAPPort != 993 {
		t.Errorf("imap endpoint: got %s:%d, want %s:993", c.cfg.IMAPHost, c.cfg.IMAPPort, DefaultIMAPHost)
	}
	if c.cfg.Mailbox != "INBOX" {
		t.Errorf("Mailbox: got %q, want %q", c.cfg.Mailbox, "INBOX")
	}
	if c.cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout: got %v, want 30s", c.cfg.Timeout)
	}
	if got := c.Provider().Name(); got != "smtp" {
		t.Errorf("Provider: got %q, want %q", got, "smtp")
	}

	if got := c.cfg.smtpConfig().Security; got != transport.SecurityStartTLS {
		t.Errorf("smtp Security: got %s, want starttls", got)
	}
	if got := c.cfg.imapConfig().Security; got != transport.SecurityTLS {
		t.Errorf("imap Security: got %s, want tls", got)
	}

	explicit := New(Config{IMAPSecurity: transport.SecurityStartTLS, SMTPSecurity: transport.SecurityNone})
	if got := explicit.cfg.imapConfig().Security; got != transport.SecurityStartTLS {
		t.Errorf("explicit imap Security: got %s, want starttls", got)
	}
	if got := explicit.cfg.smtpConfig().Security; got != transport.SecurityNone {
		t.Errorf("explicit smtp Security: got %s, want none", got)
	}

	split := New(Config{SMTPAllowInsecureAuth: true})
	if !split.cfg.smtpConfig().AllowInsecureAuth {
		t.Error("smtp AllowInsecureAuth: got false, want true")
	}
	if split.cfg.imapConfig().AllowInsecureAuth {
		t.Error("imap AllowInsecureAuth: got true, want false")
	}

	d := DefaultConfig()
	if d.SMTPSecurity != transport.SecurityStartTLS {
		t.Errorf("SMTPSecurity: got %s, want starttls", d.SMTPSecurity)
	}
	if d.IMAPSecurity != transport.SecurityTLS {
		t.Errorf("IMAPSecurity: got %s, want tls", d.IMAPSecurity)
	}
}

func TestDefaultFetchRequest(t *testing.T) {
	t.Parallel()

	req := DefaultFetchRequest()
	if req.Charset != imap.CharsetASCII {
		t.Errorf("Charset: got %q, want %q", req.Charset, imap.CharsetASCII)
	}
	if req.Options.Limit != 1 || !req.Options.MarkSeen || !req.Options.Reverse {
		t.Errorf("Options: got %+v, want limit 1, mark seen, reverse", req.Options)
	}
	if req.Mailbox != "" {
		t.Errorf("Mailbox: got %q, want the configured default", req.Mailbox)
	}
}

func TestSend_EndToEnd(t *testing.T) {
	t.Parallel()

	srv := smtptest.Start(t, smtptest.Options{Username: "me@example.com", Password: "secret"})
	c := New(localConfig(t, srv.Addr(), "", "me@example.com", "secret"))

	receipt, err := c.Send(context.Background(), &email.Message{
		To:      []string{"a@b.com"},
		Subject: "Hi",
		Text:    "hello",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	if msgs[0].From != "me@example.com" {
		t.Errorf("envelope From: got %q, want %q", msgs[0].From, "me@example.com")
	}

	mr, err := mail.CreateReader(bytes.NewReader(msgs[0].Data))
	if err != nil {
		t.Fatalf("relayed data is not a mail message: %v", err)
	}
	if got := mr.Header.Get("To"); got != "a@b.com" {
		t.Errorf("To: got %q, want %q", got, "a@b.com")
	}
	if got := mr.Header.Get("Subject"); got != "Hi" {
		t.Errorf("Subject: got %q, want %q", got, "Hi")
	}
	if got := mr.Header.Get("Message-Id"); got != receipt.MessageID {
		t.Errorf("Message-Id: got %q, want %q", got, receipt.MessageID)
	}

	var bodies []string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		ct, _, _ := p.Header.(*mail.InlineHeader).ContentType()
		if ct != "text/plain" {
			t.Errorf("part type: got %q, want text/plain", ct)
		}
		b, _ := io.ReadAll(p.Body)
		bodies = append(bodies, string(b))
	}
	if !slices.Equal(bodies, []string{"hello"}) {
		t.Errorf("bodies: got %q, want [\"hello\"]", bodies)
	}
}

func TestSend_PartialAttachmentFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("content of "+name), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	atts := []email.Attachment{
		email.File(filepath.Join(dir, "a.txt")),
		email.File(filepath.Join(dir, "missing.txt")),
		email.File(filepath.Join(dir, "b.txt")),
		email.File(filepath.Join(dir, "c.txt")),
	}

	srv := smtptest.Start(t, smtptest.Options{Username: "me@example.com", Password: "secret"})
	c := New(localConfig(t, srv.Addr(), "", "me@example.com", "secret"))

	receipt, err := c.Send(context.Background(), &email.Message{
		To:          []string{"a@b.com"},
		Text:        "files",
		Attachments: atts,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if want := []string{"a.txt", "b.txt", "c.txt"}; !slices.Equal(receipt.Attached, want) {
		t.Errorf("Attached: got %v, want %v", receipt.Attached, want)
	}
	if len(receipt.Dropped) != 1 || receipt.Dropped[0].Filename != "missing.txt" {
		t.Fatalf("Dropped: got %v, want missing.txt", receipt.Dropped)
	}
	if !errors.Is(receipt.Dropped[0].Err, os.ErrNotExist) {
		t.Errorf("Dropped cause: got %v, want not-exist", receipt.Dropped[0].Err)
	}
	if data := srv.Messages()[0].Data; bytes.Contains(data, []byte("missing.txt")) {
		t.Error("dropped attachment should not appear in the relayed message")
	}
}

func TestSend_AuthFailureReleasesConnection(t *testing.T) {
	t.Parallel()

	srv := smtptest.Start(t, smtptest.Options{Username: "me@example.com", Password: "secret"})
	c := New(localConfig(t, srv.Addr(), "", "me@example.com", "wrong"))

	_, err := c.Send(context.Background(), &email.Message{To: []string{"a@b.com"}, Text: "x"})
	if !errors.Is(err, mailerr.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if slices.Contains(srv.Commands(), "QUIT") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("server commands %v missing QUIT", srv.Commands())
}

func TestSend_CustomProvider(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Username = "me@example.com"
	cfg.Provider = stdout.NewWithWriter(&buf, nil)
	c := New(cfg)

	receipt, err := c.Send(context.Background(), &email.Message{To: []string{"a@b.com"}, Subject: "dry run"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.Provider != "stdout" {
		t.Errorf("Provider: got %q, want %q", receipt.Provider, "stdout")
	}
	if !bytes.Contains(buf.Bytes(), []byte("From: me@example.com")) {
		t.Errorf("output missing defaulted From, got:\n%s", buf.String())
	}
}

func seededIMAP(t *testing.T) (*imaptest.Server, []uint32) {
	t.Helper()
	srv := imaptest.Start(t, imaptest.Options{Mailboxes: []string{"Archive"}})
	uids := []uint32{
		srv.Append(t, "INBOX", rawMessage("first")),
		srv.Append(t, "INBOX", rawMessage("second"), `\Seen`),
		srv.Append(t, "INBOX", rawMessage("third")),
	}
	return srv, uids
}

func TestFetch_Default(t *testing.T) {
	t.Parallel()

	srv, uids := seededIMAP(t)
	c := New(localConfig(t, "", srv.Addr(), srv.Username(), srv.Password()))

	results, err := c.Fetch(context.Background(), DefaultFetchRequest())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results: got %d, want 1", len(results))
	}
	r := results[0]
	if r.Err != nil {
		t.Fatalf("result error: %v", r.Err)
	}
	if r.UID != uids[2] || r.Message.Subject != "third" {
		t.Errorf("newest message: got uid %d subject %q, want uid %d subject %q", r.UID, r.Message.Subject, uids[2], "third")
	}
	if !r.Message.HasFlag(`\Seen`) {
		t.Error("fetched message should report \\Seen")
	}
	if !slices.Contains(srv.Flags(t, "INBOX", uids[2]), `\Seen`) {
		t.Error("server should have \\Seen set on the fetched message")
	}
	if slices.Contains(srv.Flags(t, "INBOX", uids[0]), `\Seen`) {
		t.Error("messages outside the limit must stay unseen")
	}
}

func TestFetch_Criteria(t *testing.T) {
	t.Parallel()

	srv, uids := seededIMAP(t)
	c := New(localConfig(t, "", srv.Addr(), srv.Username(), srv.Password()))

	results, err := c.Fetch(context.Background(), FetchRequest{
		Criteria: imap.Criteria{Unseen: true},
		Options:  imap.FetchOptions{Bulk: true, HeadersOnly: true},
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	var got []uint32
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("uid %d: %v", r.UID, r.Err)
		}
		got = append(got, r.UID)
	}
	if want := []uint32{uids[0], uids[2]}; !slices.Equal(got, want) {
		t.Errorf("uids: got %v, want %v", got, want)
	}
}

func TestFetch_OtherMailbox(t *testing.T) {
	t.Parallel()

	srv, _ := seededIMAP(t)
	srv.Append(t, "Archive", rawMessage("archived"))
	c := New(localConfig(t, "", srv.Addr(), srv.Username(), srv.Password()))

	req := DefaultFetchRequest()
	req.Mailbox = "Archive"
	results, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(results) != 1 || results[0].Message == nil || results[0].Message.Subject != "archived" {
		t.Errorf("results: got %+v, want the archived message", results)
	}
}

func TestFetch_MissingMailbox(t *testing.T) {
	t.Parallel()

	srv, _ := seededIMAP(t)
	c := New(localConfig(t, "", srv.Addr(), srv.Username(), srv.Password()))

	req := DefaultFetchRequest()
	req.Mailbox = "Nope"
	if _, err := c.Fetch(context.Background(), req); !errors.Is(err, mailerr.ErrMailbox) {
		t.Errorf("expected mailbox error, got %v", err)
	}
}

func TestFetch_AuthFailure(t *testing.T) {
	t.Parallel()

	srv, _ := seededIMAP(t)
	c := New(localConfig(t, "", srv.Addr(), srv.Username(), "wrong"))

	if _, err := c.Fetch(context.Background(), DefaultFetchRequest()); !errors.Is(err, mailerr.ErrAuth) {
		t.Errorf("expected auth error, got %v", err)
	}
}
