package smtptest

import (
	"encoding/base64"
	"testing"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	if !NewAuthenticator("user", "pass").Enabled() {
		t.Error("Enabled(): got false with username set")
	}
	if NewAuthenticator("", "pass").Enabled() {
		t.Error("Enabled(): got true without username")
	}
}

func TestAuthenticator_VerifyPlain(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")

	tests := []struct {
		name    string
		encoded string
		wantErr bool
	}{
		{name: "success", encoded: b64("\x00testuser\x00testpass")},
		{name: "with authzid", encoded: b64("admin\x00testuser\x00testpass")},
		{name: "wrong password", encoded: b64("\x00testuser\x00wrong"), wantErr: true},
		{name: "wrong username", encoded: b64("\x00other\x00testpass"), wantErr: true},
		{name: "invalid base64", encoded: "!!!", wantErr: true},
		{name: "missing separator", encoded: b64("testuser"), wantErr: true},
		{name: "empty response", encoded: "=", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := auth.VerifyPlain(tt.encoded)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestAuthenticator_VerifyLogin(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")

	if err := auth.VerifyLogin(b64("testuser"), b64("testpass")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := auth.VerifyLogin(b64("testuser"), b64("wrong")); err == nil {
		t.Error("expected error for wrong password, got nil")
	}
	if err := auth.VerifyLogin("!!!", b64("testpass")); err == nil {
		t.Error("expected error for invalid base64 username, got nil")
	}
	if err := auth.VerifyLogin(b64("testuser"), "!!!"); err == nil {
		t.Error("expected error for invalid base64 password, got nil")
	}
}
