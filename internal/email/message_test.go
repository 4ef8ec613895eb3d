package email

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBaseName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "report.pdf", want: "report.pdf"},
		{in: "/tmp/files/report.pdf", want: "report.pdf"},
		{in: `C:\Users\me\report.pdf`, want: "report.pdf"},
		{in: "dir/", want: ""},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		if got := BaseName(tt.in); got != tt.want {
			t.Errorf("BaseName(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRecipients(t *testing.T) {
	t.Parallel()

	msg := &Message{
		To:  []string{"a@example.com"},
		Cc:  []string{"b@example.com"},
		Bcc: []string{"c@example.com"},
	}
	got := msg.Recipients()
	want := []string{"a@example.com", "b@example.com", "c@example.com"}
	if len(got) != len(want) {
		t.Fatalf("Recipients: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Recipients[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFile_ReadContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	att := File(path)
	if att.Filename != "notes.txt" {
		t.Errorf("Filename: got %q, want %q", att.Filename, "notes.txt")
	}

	data, err := att.ReadContent(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content: got %q, want %q", data, "hello")
	}
}

func TestFile_Missing(t *testing.T) {
	t.Parallel()

	att := File(filepath.Join(t.TempDir(), "missing.bin"))
	if _, err := att.ReadContent(0); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReadContent_Limit(t *testing.T) {
	t.Parallel()

	att := Attachment{Filename: "big.bin", Content: make([]byte, 10)}
	if _, err := att.ReadContent(5); err == nil {
		t.Error("expected error for oversized in-memory content")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	if err := os.WriteFile(path, make([]byte, 10), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := File(path).ReadContent(5); err == nil {
		t.Error("expected error for oversized file")
	}
	if _, err := File(path).ReadContent(10); err != nil {
		t.Errorf("unexpected error at exact limit: %v", err)
	}
}

func TestSaveAttachment(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := SaveAttachment(dir, Attachment{Filename: "../../escape.txt", Content: []byte("data")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(dir, "escape.txt"); path != want {
		t.Errorf("path: got %q, want %q", path, want)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved file: %v", err)
	}
	if string(data) != "data" {
		t.Errorf("content: got %q, want %q", data, "data")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to list dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("dir entries: got %d, want 1", len(entries))
	}
}

func TestSaveAttachment_InvalidName(t *testing.T) {
	t.Parallel()

	if _, err := SaveAttachment(t.TempDir(), Attachment{Filename: "dir/"}); err == nil {
		t.Error("expected error for empty filename")
	}
}

func TestHasFlag(t *testing.T) {
	t.Parallel()

	msg := &FetchedMessage{Flags: []string{`\Seen`, `\Flagged`}}
	if !msg.HasFlag(`\seen`) {
		t.Error(`HasFlag(\seen): got false, want true`)
	}
	if msg.HasFlag(`\Deleted`) {
		t.Error(`HasFlag(\Deleted): got true, want false`)
	}
}
