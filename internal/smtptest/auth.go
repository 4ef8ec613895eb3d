package smtptest

import (
	"encoding/base64"
	"errors"
	"strings"
)

var errAuthFailed = errors.New("authentication failed")

// Authenticator checks SASL PLAIN and LOGIN responses against one
// configured account.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator returns an Authenticator for the given account. With an
// empty username authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: username, password: password}
}

// Enabled reports whether AUTH is offered.
func (a *Authenticator) Enabled() bool {
	return a.username != ""
}

// VerifyPlain checks a base64 PLAIN response: [authzid] NUL authcid NUL passwd.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := decode(encoded)
	if err != nil {
		return err
	}
	parts := strings.SplitN(decoded, "\x00", 3)
	if len(parts) != 3 {
		return errors.New("invalid AUTH PLAIN format")
	}
	return a.check(parts[1], parts[2])
}

// VerifyLogin checks base64 LOGIN username and password lines.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := decode(encodedUser)
	if err != nil {
		return err
	}
	pass, err := decode(encodedPass)
	if err != nil {
		return err
	}
	return a.check(user, pass)
}

func (a *Authenticator) check(user, pass string) error {
	if user != a.username || pass != a.password {
		return errAuthFailed
	}
	return nil
}

// decode accepts "=" as the empty response.
func decode(s string) (string, error) {
	if s == "=" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", errors.New("invalid base64 encoding")
	}
	return string(b), nil
}
