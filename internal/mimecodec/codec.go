// Package mimecodec converts between the mail data model and the MIME wire
// format.
package mimecodec

import (
	// Registers the go-message charset tables so non UTF-8 parts decode.
	_ "github.com/emersion/go-message/charset"
)

// DefaultMaxAttachmentSize is the per-attachment limit applied when none is
// configured.
const DefaultMaxAttachmentSize = 25 << 20

// TextRenderer renders an HTML body as plain text.
type TextRenderer interface {
	RenderText(html []byte) (string, error)
}

// Codec encodes outbound messages and decodes fetched ones.
type Codec struct {
	// Renderer derives text from HTML-only messages. When nil, such
	// messages decode with empty text.
	Renderer TextRenderer

	// MaxAttachmentSize bounds each attachment read at encode time.
	// Zero means DefaultMaxAttachmentSize, negative means unlimited.
	MaxAttachmentSize int64

	// Hostname is used for generated Message-IDs. Defaults to "localhost".
	Hostname string

	// KeepBcc writes a Bcc header. Services that read recipients from the
	// message instead of an envelope need it; SMTP relays must not see it.
	KeepBcc bool
}

// New returns a Codec rendering HTML with r.
func New(r TextRenderer) *Codec {
	return &Codec{Renderer: r}
}

func (c *Codec) attachmentLimit() int64 {
	switch {
	case c.MaxAttachmentSize == 0:
		return DefaultMaxAttachmentSize
	case c.MaxAttachmentSize < 0:
		return 0
	}
	return c.MaxAttachmentSize
}

func (c *Codec) hostname() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	return "localhost"
}
