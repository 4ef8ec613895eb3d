// Package smtptest runs an in-process SMTP relay that records every accepted
// message. It supports STARTTLS, implicit TLS, AUTH PLAIN and LOGIN, and
// hooks for rejecting recipients or data and for stalling at a given point
// of the dialogue.
package smtptest

import (
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

// shutdownTimeout bounds how long Close waits for sessions to exit.
const shutdownTimeout = 5 * time.Second

// Stall points. The server stops replying once it reaches one.
const (
	StallGreeting = "GREETING"
	StallEHLO     = "EHLO"
	StallMail     = "MAIL"
	StallRcpt     = "RCPT"
	StallData     = "DATA"
	StallDataEnd  = "DATA-END"
)

// Options configures a Server.
type Options struct {
	// Hostname is used in the greeting and EHLO reply.
	Hostname string

	// Username and Password enable AUTH. MAIL is refused until the client
	// authenticates.
	Username string
	Password string

	// Mechanisms advertised in EHLO. Defaults to PLAIN and LOGIN.
	Mechanisms []string

	// TLSConfig enables STARTTLS, or implicit TLS with ImplicitTLS set.
	TLSConfig   *tls.Config
	ImplicitTLS bool

	// RejectEHLO answers EHLO with 502 so clients fall back to HELO.
	RejectEHLO bool

	// RejectRecipient answers RCPT TO for matching addresses with 550.
	RejectRecipient func(addr string) bool

	// RejectData answers the end of DATA with 554 when it returns true.
	RejectData func(data []byte) bool

	// Stall names the point at which the server goes silent.
	Stall string
}

// Message is a transaction accepted by the server.
type Message struct {
	From string
	To   []string
	Data []byte
}

// Server is a recording SMTP relay listening on a loopback port.
type Server struct {
	opts     Options
	auth     *Authenticator
	listener net.Listener

	mu       sync.Mutex
	messages []Message
	commands []string
	conns    map[net.Conn]struct{}

	// wg tracks in-flight session goroutines.
	wg sync.WaitGroup
}

// NewServer starts a relay on 127.0.0.1 with a random port.
func NewServer(opts Options) (*Server, error) {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if len(opts.Mechanisms) == 0 {
		opts.Mechanisms = []string{"PLAIN", "LOGIN"}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	if opts.ImplicitTLS && opts.TLSConfig != nil {
		ln = tls.NewListener(ln, opts.TLSConfig)
	}

	s := &Server{
		opts:     opts,
		auth:     NewAuthenticator(opts.Username, opts.Password),
		listener: ln,
		conns:    map[net.Conn]struct{}{},
	}
	go s.serve()
	return s, nil
}

// Start is NewServer for tests; the server is closed during cleanup.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()
	s, err := NewServer(opts)
	if err != nil {
		t.Fatalf("failed to start smtp test server: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			newSession(s, conn).handle()
		}()
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Messages returns the transactions accepted so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Commands returns the command verbs received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

func (s *Server) record(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

func (s *Server) logCommand(verb string) {
	s.mu.Lock()
	s.commands = append(s.commands, verb)
	s.mu.Unlock()
}

// Close stops accepting, closes open sessions and waits for them to exit.
func (s *Server) Close() error {
	err := s.listener.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("smtp test server shutdown timeout reached")
	}
	return err
}
