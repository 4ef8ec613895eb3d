package smtp

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/textproto"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/shineum/mailkit/internal/mailerr"
)

// preferred lists the supported mechanisms, most preferred first.
var preferred = []string{sasl.Plain, sasl.Login}

// Authenticate logs in with the first mechanism from PLAIN and LOGIN that
// the server advertises. A rejected login keeps the session connected so it
// can be retried with other credentials.
func (s *Session) Authenticate(ctx context.Context, username, password string) error {
	switch {
	case s.state == StateAuthenticated:
		return mailerr.Errorf(mailerr.KindAuth, "AUTH", "session is already authenticated")
	case s.state != StateConnected:
		return mailerr.Errorf(mailerr.KindAuth, "AUTH", "session is %s, want %s", s.state, StateConnected)
	case !s.conn.Secure() && !s.cfg.AllowInsecureAuth:
		return mailerr.Errorf(mailerr.KindSecurity, "AUTH", "refusing to send credentials over an unencrypted connection")
	}

	ok, advertised := s.Extension("AUTH")
	if !ok {
		return mailerr.Errorf(mailerr.KindAuth, "AUTH", "server does not support AUTH")
	}
	mech, err := chooseMechanism(strings.Fields(advertised))
	if err != nil {
		return mailerr.New(mailerr.KindAuth, "AUTH", err)
	}

	var client sasl.Client
	switch mech {
	case sasl.Plain:
		client = sasl.NewPlainClient("", username, password)
	case sasl.Login:
		client = sasl.NewLoginClient(username, password)
	}

	stop := s.conn.Watch(ctx)
	defer stop()

	if err := s.exchange(client); err != nil {
		return s.fail(ctx, mailerr.KindAuth, "AUTH "+mech, err, false)
	}
	s.state = StateAuthenticated
	slog.Debug("smtp session authenticated", "mechanism", mech)
	return nil
}

func chooseMechanism(advertised []string) (string, error) {
	for _, want := range preferred {
		for _, m := range advertised {
			if strings.EqualFold(m, want) {
				return want, nil
			}
		}
	}
	return "", fmt.Errorf("no supported mechanism in %v", advertised)
}

// exchange runs the SASL dialogue: 334 carries a base64 challenge, 235 ends
// it successfully and anything else is a rejection.
func (s *Session) exchange(client sasl.Client) error {
	mech, ir, err := client.Start()
	if err != nil {
		return err
	}

	line := "AUTH " + mech
	if ir != nil {
		line += " " + encodeResponse(ir)
	}
	code, msg, err := s.cmd(0, "%s", line)

	for err == nil {
		switch code {
		case 235:
			return nil
		case 334:
			challenge, derr := base64.StdEncoding.DecodeString(msg)
			if derr != nil {
				return s.cancelExchange(fmt.Errorf("malformed challenge %q: %w", msg, derr))
			}
			resp, nerr := client.Next(challenge)
			if nerr != nil {
				return s.cancelExchange(nerr)
			}
			code, msg, err = s.cmd(0, "%s", encodeResponse(resp))
		default:
			return &textproto.Error{Code: code, Msg: msg}
		}
	}
	return err
}

// abortedExchange is a SASL failure on the client side after which the
// server acknowledged the cancellation, so the dialogue is back in step.
type abortedExchange struct {
	err error
}

func (e *abortedExchange) Error() string { return e.err.Error() }
func (e *abortedExchange) Unwrap() error { return e.err }

// cancelExchange aborts a SASL dialogue the client cannot continue. cause
// is returned as an abortedExchange when the server replied to the
// cancellation.
func (s *Session) cancelExchange(cause error) error {
	if _, _, err := s.cmd(0, "*"); err != nil && !isReply(err) {
		slog.Debug("smtp AUTH cancel failed", "error", err)
		return cause
	}
	return &abortedExchange{err: cause}
}

// encodeResponse base64-encodes a SASL response, sending "=" for an empty one.
func encodeResponse(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}
