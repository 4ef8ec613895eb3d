package smtptest

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Session states for the relay state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout closes sessions that stop talking.
const idleTimeout = 30 * time.Second

// maxMessageSize is advertised in EHLO and enforced on DATA.
const maxMessageSize = 32 << 20

type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int

	tlsActive bool

	mailFrom string
	rcptTo   []string
}

func newSession(srv *Server, conn net.Conn) *session {
	_, isTLS := conn.(*tls.Conn)
	return &session{
		server:    srv,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		tlsActive: isTLS,
	}
}

func (s *session) handle() {
	defer s.conn.Close()

	if s.stallAt(StallGreeting) {
		return
	}
	s.writeLine("220 %s ESMTP mailkit test relay", s.server.opts.Hostname)

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("smtp test relay read error", "error", err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		s.server.logCommand(cmd)
		if s.stallAt(cmd) {
			return
		}
		if done := s.handleCommand(cmd, arg); done {
			return
		}
	}
}

// stallAt blocks, silently draining input, until the client hangs up or the
// server closes, when point is the configured stall point.
func (s *session) stallAt(point string) bool {
	if s.server.opts.Stall != point {
		return false
	}
	s.conn.SetDeadline(time.Time{})
	io.Copy(io.Discard, s.conn)
	return true
}

func (s *session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleHello(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleHello(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}
	if cmd == "EHLO" && s.server.opts.RejectEHLO {
		s.writeLine("502 Command not implemented")
		return
	}

	s.state = stateGreeted
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.server.opts.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.server.opts.Hostname, arg)
	if s.server.opts.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.server.auth.Enabled() {
		s.writeLine("250-AUTH %s", strings.Join(s.server.opts.Mechanisms, " "))
	}
	s.writeLine("250-SIZE %d", maxMessageSize)
	s.writeLine("250 8BITMIME")
}

func (s *session) handleSTARTTLS() {
	if s.server.opts.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}
	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.server.opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("smtp test relay tls handshake failed", "error", err)
		return
	}
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
}

func (s *session) handleAUTH(arg string) {
	switch {
	case s.state < stateGreeted:
		s.writeLine("503 Send EHLO/HELO first")
		return
	case !s.server.auth.Enabled():
		s.writeLine("503 AUTH not available")
		return
	case s.state >= stateAuthOK:
		s.writeLine("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	mechanism = strings.ToUpper(mechanism)
	if !s.offers(mechanism) {
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	var err error
	switch mechanism {
	case "PLAIN":
		resp, ok := s.response(initial, "")
		if !ok {
			return
		}
		err = s.server.auth.VerifyPlain(resp)
	case "LOGIN":
		user, ok := s.response(initial, "VXNlcm5hbWU6")
		if !ok {
			return
		}
		pass, ok := s.response("", "UGFzc3dvcmQ6")
		if !ok {
			return
		}
		err = s.server.auth.VerifyLogin(user, pass)
	}
	if err != nil {
		s.writeLine("535 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// response returns the initial response when given, otherwise challenges the
// client and reads one line. A cancelled exchange reports false.
func (s *session) response(initial, challenge string) (string, bool) {
	if initial == "" {
		if challenge == "" {
			s.writeLine("334 ")
		} else {
			s.writeLine("334 %s", challenge)
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return "", false
		}
		initial = strings.TrimRight(line, "\r\n")
	}
	if initial == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", false
	}
	return initial, true
}

func (s *session) offers(mechanism string) bool {
	for _, m := range s.server.opts.Mechanisms {
		if strings.EqualFold(m, mechanism) {
			return true
		}
	}
	return false
}

func (s *session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.server.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	if reject := s.server.opts.RejectRecipient; reject != nil && reject(addr) {
		s.writeLine("550 No such user here")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

func (s *session) handleDATA() {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}
	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data bytes.Buffer
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Debug("smtp test relay data read error", "error", err)
			return
		}
		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		data.WriteString(line)
	}

	if s.stallAt(StallDataEnd) {
		return
	}

	switch {
	case data.Len() > maxMessageSize:
		s.writeLine("552 Message exceeds fixed maximum message size")
	case s.server.opts.RejectData != nil && s.server.opts.RejectData(data.Bytes()):
		s.writeLine("554 Transaction failed")
	default:
		s.server.record(Message{
			From: s.mailFrom,
			To:   append([]string(nil), s.rcptTo...),
			Data: data.Bytes(),
		})
		s.writeLine("250 OK message queued")
	}
	s.resetTransaction()
}

// resetTransaction clears the mail transaction, keeping greeting and auth.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.server.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

func (s *session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Debug("smtp test relay write error", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("smtp test relay flush error", "error", err)
	}
}

// parseCommand splits a command line into its upper-case verb and argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// extractAddress returns the address from a path argument, bracketed or bare.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return s
}
