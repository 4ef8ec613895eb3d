package mailerr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestError_Message(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "kind only",
			err:  &Error{Kind: KindAuth},
			want: "auth error",
		},
		{
			name: "with stage and cause",
			err:  New(KindConnect, "greeting", io.EOF),
			want: "connect error during greeting: EOF",
		},
		{
			name: "with uid and code",
			err:  &Error{Kind: KindFetch, Op: "FETCH", UID: 42, Code: 450, Err: errors.New("busy")},
			want: "fetch error during FETCH (uid 42) [450]: busy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error(): got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_IsSentinel(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("send failed: %w", New(KindTimeout, "DATA", io.ErrUnexpectedEOF))

	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout): got false, want true")
	}
	if errors.Is(err, ErrDelivery) {
		t.Error("errors.Is(err, ErrDelivery): got true, want false")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("errors.Is(err, io.ErrUnexpectedEOF): got false, want true")
	}
}

func TestError_NestedKinds(t *testing.T) {
	t.Parallel()

	decodeErr := New(KindDecoding, "parse", errors.New("truncated"))
	fetchErr := &Error{Kind: KindFetch, Op: "decode", UID: 7, Err: decodeErr}

	if !errors.Is(fetchErr, ErrFetch) {
		t.Error("expected fetch error to match ErrFetch")
	}
	if !errors.Is(fetchErr, ErrDecoding) {
		t.Error("expected fetch error to match wrapped ErrDecoding")
	}
	if got := KindOf(fetchErr); got != KindFetch {
		t.Errorf("KindOf: got %v, want %v", got, KindFetch)
	}
}

func TestKindOf_Unknown(t *testing.T) {
	t.Parallel()

	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf: got %v, want %v", got, KindUnknown)
	}
	if got := KindOf(nil); got != KindUnknown {
		t.Errorf("KindOf(nil): got %v, want %v", got, KindUnknown)
	}
}

func TestTemporary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "timeout", err: &Error{Kind: KindTimeout}, want: true},
		{name: "4xx reply", err: &Error{Kind: KindDelivery, Code: 451}, want: true},
		{name: "5xx reply", err: &Error{Kind: KindDelivery, Code: 550}, want: false},
		{name: "auth", err: &Error{Kind: KindAuth, Code: 535}, want: false},
		{name: "not classified", err: errors.New("x"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTemporary(tt.err); got != tt.want {
				t.Errorf("IsTemporary: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	if got := KindCanceled.String(); got != "canceled" {
		t.Errorf("String(): got %q, want %q", got, "canceled")
	}
	if got := Kind(99).String(); got != "kind(99)" {
		t.Errorf("String(): got %q, want %q", got, "kind(99)")
	}
}
