// Package stdout implements a Provider that prints messages to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/go-units"

	"github.com/shineum/mailkit/internal/email"
	"github.com/shineum/mailkit/internal/mailerr"
	"github.com/shineum/mailkit/internal/mimecodec"
)

// Provider prints a readable summary of each message in its encoded form.
// Nothing is delivered.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	codec  *mimecodec.Codec
}

// New creates a stdout Provider that writes to os.Stdout.
func New(codec *mimecodec.Codec) *Provider {
	return NewWithWriter(os.Stdout, codec)
}

// NewWithWriter creates a stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer, codec *mimecodec.Codec) *Provider {
	if codec == nil {
		codec = mimecodec.New(nil)
	}
	return &Provider{writer: w, codec: codec}
}

// Send encodes msg, decodes the result and prints what a recipient would
// see. Attachment sizes are those of the decoded parts.
func (p *Provider) Send(_ context.Context, msg *email.Message) (*email.DeliveryReceipt, error) {
	enc, err := p.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	sent, err := p.codec.Decode(enc.Data)
	if err != nil {
		return nil, err
	}

	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))

	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(msg.Bcc, ", "))
	}

	fmt.Fprintf(&b, "Subject: %s\n", sent.Subject)
	fmt.Fprintf(&b, "Message-ID: %s\n", enc.MessageID)
	fmt.Fprintf(&b, "Size: %s\n", formatSize(len(enc.Data)))
	b.WriteString("Body:\n")

	body := sent.Text
	if body == "" {
		body = sent.HTML
	}
	b.WriteString(body + "\n")

	if len(sent.Attachments) > 0 {
		attachments := make([]string, 0, len(sent.Attachments))
		for _, att := range sent.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}
	if len(enc.Dropped) > 0 {
		dropped := make([]string, 0, len(enc.Dropped))
		for _, d := range enc.Dropped {
			dropped = append(dropped, fmt.Sprintf("%s (%v)", d.Filename, d.Err))
		}
		fmt.Fprintf(&b, "Skipped: %s\n", strings.Join(dropped, ", "))
	}

	b.WriteString("========================================\n")

	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		return nil, mailerr.New(mailerr.KindDelivery, "write", err)
	}

	return &email.DeliveryReceipt{
		Status:     "printed",
		Provider:   p.Name(),
		MessageID:  enc.MessageID,
		Recipients: msg.Recipients(),
		Size:       len(enc.Data),
		Attached:   enc.Attached,
		Dropped:    enc.Dropped,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func formatSize(n int) string {
	return units.HumanSize(float64(n))
}
