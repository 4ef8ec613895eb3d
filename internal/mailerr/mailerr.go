// Package mailerr defines the error taxonomy shared by the mail sessions and
// the codec. Every failure surfaced to callers is an *Error carrying its
// Kind, the stage that failed and the underlying cause.
package mailerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can branch without matching strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnect
	KindSecurity
	KindAuth
	KindEncoding
	KindDecoding
	KindDelivery
	KindMailbox
	KindFetch
	KindTimeout
	KindCanceled
)

var kindNames = map[Kind]string{
	KindUnknown:  "unknown",
	KindConnect:  "connect",
	KindSecurity: "security",
	KindAuth:     "auth",
	KindEncoding: "encoding",
	KindDecoding: "decoding",
	KindDelivery: "delivery",
	KindMailbox:  "mailbox",
	KindFetch:    "fetch",
	KindTimeout:  "timeout",
	KindCanceled: "canceled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrConnect  = &Error{Kind: KindConnect}
	ErrSecurity = &Error{Kind: KindSecurity}
	ErrAuth     = &Error{Kind: KindAuth}
	ErrEncoding = &Error{Kind: KindEncoding}
	ErrDecoding = &Error{Kind: KindDecoding}
	ErrDelivery = &Error{Kind: KindDelivery}
	ErrMailbox  = &Error{Kind: KindMailbox}
	ErrFetch    = &Error{Kind: KindFetch}
	ErrTimeout  = &Error{Kind: KindTimeout}
	ErrCanceled = &Error{Kind: KindCanceled}
)

// Error is a classified mail failure.
type Error struct {
	Kind Kind

	// Op is the protocol stage that failed, e.g. "greeting" or "RCPT".
	Op string

	// UID identifies the message involved, zero when not applicable.
	UID uint32

	// Code is the server reply code when the server rejected a command.
	Code int

	Err error
}

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns an *Error whose cause is formatted from format and args.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.UID != 0 {
		fmt.Fprintf(&b, " (uid %d)", e.UID)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " [%d]", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Temporary reports whether retrying the same call may succeed.
func (e *Error) Temporary() bool {
	switch {
	case e.Kind == KindTimeout:
		return true
	case e.Code >= 400 && e.Code < 500:
		return true
	}
	return false
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTemporary reports whether err is an *Error that may succeed on retry.
func IsTemporary(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Temporary()
}
