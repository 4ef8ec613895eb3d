// Package transport provides the byte-stream connections used by the mail
// sessions: dialing with implicit TLS or STARTTLS, per-read timeouts that
// can be armed only while a command is in flight, and context cancellation
// of blocked reads and writes.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Security selects how a connection is encrypted.
type Security int

const (
	// SecurityDefault resolves to the protocol's usual mode: STARTTLS for
	// submission, implicit TLS for IMAP.
	SecurityDefault Security = iota
	// SecurityStartTLS connects in cleartext and upgrades in place.
	SecurityStartTLS
	// SecurityTLS negotiates TLS immediately after connecting.
	SecurityTLS
	// SecurityNone never encrypts. Intended for local relays and tests.
	SecurityNone
)

func (s Security) String() string {
	switch s {
	case SecurityDefault:
		return "default"
	case SecurityStartTLS:
		return "starttls"
	case SecurityTLS:
		return "tls"
	case SecurityNone:
		return "none"
	}
	return fmt.Sprintf("security(%d)", int(s))
}

// Or returns fallback when s is SecurityDefault, and s otherwise.
func (s Security) Or(fallback Security) Security {
	if s == SecurityDefault {
		return fallback
	}
	return s
}

// ParseSecurity parses the names produced by Security.String.
func ParseSecurity(s string) (Security, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return SecurityDefault, nil
	case "starttls":
		return SecurityStartTLS, nil
	case "tls", "ssl", "implicit":
		return SecurityTLS, nil
	case "none", "plain", "insecure":
		return SecurityNone, nil
	}
	return 0, fmt.Errorf("unknown security mode %q", s)
}

// ErrHandshake wraps every TLS handshake failure.
var ErrHandshake = errors.New("tls handshake failed")

// Dialer opens network connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Conn wraps a network connection with per-read timeouts, timeout tracking
// and in-place TLS upgrade. It satisfies net.Conn.
type Conn struct {
	raw     net.Conn
	timeout time.Duration

	mu          sync.Mutex
	cur         net.Conn
	armed       bool
	interrupted bool

	timedOut atomic.Bool
	secure   atomic.Bool
}

// Dial connects to addr. With SecurityTLS the handshake completes before
// Dial returns; cfg must then be non-nil.
func Dial(ctx context.Context, d Dialer, addr string, sec Security, cfg *tls.Config, timeout time.Duration) (*Conn, error) {
	if d == nil {
		d = &net.Dialer{Timeout: timeout}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	c := New(nc, timeout)
	if sec == SecurityTLS {
		if err := c.StartTLS(ctx, cfg); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return c, nil
}

// New wraps an established connection.
func New(nc net.Conn, timeout time.Duration) *Conn {
	return &Conn{raw: nc, cur: nc, timeout: timeout}
}

// StartTLS performs a client handshake over the current stream and
// replaces it with the encrypted one.
func (c *Conn) StartTLS(ctx context.Context, cfg *tls.Config) error {
	if cfg == nil {
		return errors.New("tls config is required")
	}
	c.mu.Lock()
	tc := tls.Client(c.cur, cfg)
	c.mu.Unlock()

	if c.timeout > 0 {
		tc.SetDeadline(time.Now().Add(c.timeout))
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		c.noteErr(err)
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	c.mu.Lock()
	c.cur = tc
	c.resetDeadlinesLocked()
	c.mu.Unlock()
	c.secure.Store(true)
	return nil
}

// Secure reports whether the stream is encrypted.
func (c *Conn) Secure() bool {
	return c.secure.Load()
}

// TLSState returns the negotiated TLS state, if any.
func (c *Conn) TLSState() (tls.ConnectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tc, ok := c.cur.(*tls.Conn); ok {
		return tc.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// Arm enables the read timeout. While armed, every Read must complete
// within the timeout of being issued and every Write within the timeout.
func (c *Conn) Arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
	c.resetDeadlinesLocked()
}

// Disarm clears the timeout so an idle connection may block indefinitely.
func (c *Conn) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = false
	c.resetDeadlinesLocked()
}

// resetDeadlinesLocked must be called with c.mu held.
func (c *Conn) resetDeadlinesLocked() {
	switch {
	case c.interrupted:
		c.cur.SetDeadline(aLongTimeAgo)
	case c.armed && c.timeout > 0:
		c.cur.SetDeadline(time.Now().Add(c.timeout))
	default:
		c.cur.SetDeadline(time.Time{})
	}
}

var aLongTimeAgo = time.Unix(1, 0)

// TimedOut reports whether any read or write hit its deadline.
func (c *Conn) TimedOut() bool {
	return c.timedOut.Load()
}

// Watch interrupts blocked I/O when ctx is done. Once interrupted the
// connection fails every further read and write. The returned stop function
// releases the watcher and reports whether it had already fired.
func (c *Conn) Watch(ctx context.Context) (stop func() bool) {
	stopped := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.interrupted = true
		c.cur.SetDeadline(aLongTimeAgo)
	})
	return func() bool {
		return !stopped()
	}
}

// Interrupted reports whether a watched context fired.
func (c *Conn) Interrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

func (c *Conn) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed && c.timeout > 0 && !c.interrupted {
		c.cur.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.cur
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.current().Read(p)
	c.noteErr(err)
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	cur := c.cur
	if c.armed && c.timeout > 0 && !c.interrupted {
		cur.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	c.mu.Unlock()

	n, err := cur.Write(p)
	c.noteErr(err)
	return n, err
}

func (c *Conn) noteErr(err error) {
	if IsTimeout(err) {
		c.timedOut.Store(true)
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur.SetWriteDeadline(t)
}

// IsTimeout reports whether err is a network deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
