package imaptest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
)

// StallServer is a scripted IMAP4rev1 peer holding one message. It answers
// the commands needed to reach the selected state and goes silent once it
// receives the command named at construction, or answers it with NO.
type StallServer struct {
	stallOn  string
	refuseOn string
	listener net.Listener

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

// StartStall starts a StallServer that stops replying at stallOn, a command
// name such as "FETCH", "SELECT" or "LOGIN". UID commands are matched by
// their second word.
func StartStall(t testing.TB, stallOn string) *StallServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	s := &StallServer{stallOn: strings.ToUpper(stallOn), listener: ln}
	go s.serve()
	t.Cleanup(s.close)
	return s
}

// StartRefusing starts a StallServer that never stalls and answers the
// command refuseOn with a tagged NO.
func StartRefusing(t testing.TB, refuseOn string) *StallServer {
	t.Helper()

	s := StartStall(t, "NONE")
	s.refuseOn = strings.ToUpper(refuseOn)
	return s
}

// Addr returns the listener address.
func (s *StallServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *StallServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

func (s *StallServer) close() {
	s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

const stallMessage = "Subject: stalled\r\n\r\nbody\r\n"

func (s *StallServer) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	reply := func(lines ...string) {
		for _, l := range lines {
			w.WriteString(l + "\r\n")
		}
		w.Flush()
	}

	if s.stallOn == "GREETING" {
		io.Copy(io.Discard, conn)
		return
	}
	reply("* OK [CAPABILITY IMAP4rev1] ready")

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimRight(line, "\r\n"))
		if len(fields) < 2 {
			continue
		}
		tag, cmd := fields[0], strings.ToUpper(fields[1])
		if cmd == "UID" && len(fields) > 2 {
			cmd = strings.ToUpper(fields[2])
		}
		if cmd == s.stallOn {
			io.Copy(io.Discard, conn)
			return
		}
		if cmd == s.refuseOn {
			reply(tag + " NO " + cmd + " refused")
			continue
		}

		switch cmd {
		case "CAPABILITY":
			reply("* CAPABILITY IMAP4rev1", tag+" OK CAPABILITY completed")
		case "LOGIN":
			reply(tag + " OK [CAPABILITY IMAP4rev1] LOGIN completed")
		case "SELECT", "EXAMINE":
			reply(
				"* FLAGS (\\Seen \\Answered \\Flagged \\Deleted \\Draft)",
				"* 1 EXISTS",
				"* 0 RECENT",
				"* OK [UIDVALIDITY 1] UIDs valid",
				"* OK [UIDNEXT 2] Predicted next UID",
				tag+" OK [READ-WRITE] SELECT completed",
			)
		case "SEARCH":
			reply("* SEARCH 1", tag+" OK SEARCH completed")
		case "FETCH":
			reply(
				fmt.Sprintf("* 1 FETCH (UID 1 FLAGS () RFC822.SIZE %d BODY[] {%d}", len(stallMessage), len(stallMessage)),
			)
			w.WriteString(stallMessage + ")\r\n")
			reply(tag + " OK FETCH completed")
		case "STORE":
			reply(tag + " OK STORE completed")
		case "NOOP":
			reply(tag + " OK NOOP completed")
		case "LOGOUT":
			reply("* BYE logging out", tag+" OK LOGOUT completed")
			return
		default:
			reply(tag + " BAD unknown command")
		}
	}
}
