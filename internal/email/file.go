package email

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Source supplies attachment content on demand.
type Source interface {
	Open() (io.ReadCloser, error)
}

// FileSource reads attachment content from the local filesystem.
type FileSource struct {
	Path string
}

// Open opens the file for reading.
func (f FileSource) Open() (io.ReadCloser, error) {
	return os.Open(f.Path)
}

// File returns an attachment whose content is read from path when the
// message is encoded. The attachment is named after the last path segment.
func File(path string) Attachment {
	return Attachment{
		Filename: BaseName(path),
		Source:   FileSource{Path: path},
	}
}

// ReadContent returns the attachment payload, reading from Source when set.
// No more than limit bytes are accepted when limit is positive.
func (a Attachment) ReadContent(limit int64) ([]byte, error) {
	if a.Source == nil {
		if limit > 0 && int64(len(a.Content)) > limit {
			return nil, fmt.Errorf("%s exceeds %d bytes", a.Name(), limit)
		}
		return a.Content, nil
	}

	rc, err := a.Source.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", a.Name(), err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", a.Name(), err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%s exceeds %d bytes", a.Name(), limit)
	}
	return data, nil
}

// SaveAttachment writes the attachment into dir and returns the path written.
// The file appears under its final name only once fully written.
func SaveAttachment(dir string, att Attachment) (string, error) {
	name := BaseName(att.Filename)
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid attachment filename %q", att.Filename)
	}

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(att.Content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}

	dst := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}
	return dst, nil
}
