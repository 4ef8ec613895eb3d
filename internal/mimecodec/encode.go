package mimecodec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/shineum/mailkit/internal/email"
	"github.com/shineum/mailkit/internal/mailerr"
)

// Encoded is the wire form of a message together with the outcome of
// attaching each of its files.
type Encoded struct {
	Data      []byte
	MessageID string

	// Attached lists attachment names in message order.
	Attached []string
	// Dropped lists attachments that could not be read, with the cause.
	Dropped []email.DroppedAttachment
}

// Err reports the dropped attachments as a single encoding error, or nil
// when every attachment made it into the message.
func (e *Encoded) Err() error {
	if len(e.Dropped) == 0 {
		return nil
	}
	errs := make([]error, 0, len(e.Dropped))
	for _, d := range e.Dropped {
		errs = append(errs, fmt.Errorf("%s: %w", d.Filename, d.Err))
	}
	return &mailerr.Error{
		Kind: mailerr.KindEncoding,
		Op:   "attach",
		Err:  errors.Join(errs...),
	}
}

// Encode builds a multipart/mixed message. Plain and HTML bodies are
// grouped as alternatives when both exist; each attachment becomes a
// base64 part named after the last segment of its filename. An attachment
// that cannot be read is skipped and recorded in Encoded.Dropped.
func (c *Codec) Encode(msg *email.Message) (*Encoded, error) {
	h, id, err := c.header(msg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, encodingError("header", err)
	}

	out := &Encoded{MessageID: id}
	parts := 0

	switch {
	case msg.Text != "" && msg.HTML != "":
		if err := writeAlternative(mw, msg.Text, msg.HTML); err != nil {
			return nil, err
		}
		parts++
	case msg.Text != "":
		if err := writeSingle(mw, "text/plain", msg.Text); err != nil {
			return nil, err
		}
		parts++
	case msg.HTML != "":
		if err := writeSingle(mw, "text/html", msg.HTML); err != nil {
			return nil, err
		}
		parts++
	}

	limit := c.attachmentLimit()
	for _, att := range msg.Attachments {
		name := att.Name()
		data, err := att.ReadContent(limit)
		if err != nil {
			slog.Warn("dropping attachment", "filename", name, "error", err)
			out.Dropped = append(out.Dropped, email.DroppedAttachment{Filename: name, Err: err})
			continue
		}
		if err := writeAttachment(mw, name, contentType(att, name, data), data); err != nil {
			return nil, err
		}
		out.Attached = append(out.Attached, name)
		parts++
	}

	// A multipart writer with no parts never emits its closing boundary.
	if parts == 0 {
		if err := writeSingle(mw, "text/plain", ""); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, encodingError("close", err)
	}

	out.Data = buf.Bytes()
	return out, nil
}

func (c *Codec) header(msg *email.Message) (mail.Header, string, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.Set("MIME-Version", "1.0")

	if msg.From != "" {
		from, err := formatAddressList([]string{msg.From})
		if err != nil {
			return h, "", encodingError("From", err)
		}
		h.Set("From", from)
	}
	for _, field := range []struct {
		key   string
		addrs []string
	}{
		{key: "To", addrs: msg.To},
		{key: "Cc", addrs: msg.Cc},
	} {
		if len(field.addrs) == 0 {
			continue
		}
		v, err := formatAddressList(field.addrs)
		if err != nil {
			return h, "", encodingError(field.key, err)
		}
		h.Set(field.key, v)
	}
	if len(msg.Bcc) > 0 {
		bcc, err := formatAddressList(msg.Bcc)
		if err != nil {
			return h, "", encodingError("Bcc", err)
		}
		if c.KeepBcc {
			h.Set("Bcc", bcc)
		}
	}

	h.SetSubject(msg.Subject)

	id := strings.Trim(msg.MessageID, "<> ")
	if id == "" {
		id = uuid.NewString() + "@" + c.hostname()
	}
	h.SetMessageID(id)

	return h, "<" + id + ">", nil
}

// formatAddressList validates addrs and renders them for a header, keeping
// bare addresses bare.
func formatAddressList(addrs []string) (string, error) {
	out := make([]string, 0, len(addrs))
	for _, raw := range addrs {
		a, err := mail.ParseAddress(raw)
		if err != nil {
			return "", fmt.Errorf("invalid address %q: %w", raw, err)
		}
		if a.Name == "" {
			out = append(out, a.Address)
			continue
		}
		out = append(out, a.String())
	}
	return strings.Join(out, ", "), nil
}

func textHeader(mediaType string) mail.InlineHeader {
	var h mail.InlineHeader
	h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	return h
}

func writeSingle(mw *mail.Writer, mediaType, body string) error {
	w, err := mw.CreateSingleInline(textHeader(mediaType))
	if err != nil {
		return encodingError("body", err)
	}
	return writeAndClose(w, []byte(body), "body")
}

func writeAlternative(mw *mail.Writer, text, html string) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return encodingError("body", err)
	}
	for _, p := range []struct {
		mediaType string
		body      string
	}{
		{mediaType: "text/plain", body: text},
		{mediaType: "text/html", body: html},
	} {
		w, err := iw.CreatePart(textHeader(p.mediaType))
		if err != nil {
			return encodingError("body", err)
		}
		if err := writeAndClose(w, []byte(p.body), "body"); err != nil {
			return err
		}
	}
	if err := iw.Close(); err != nil {
		return encodingError("body", err)
	}
	return nil
}

func writeAttachment(mw *mail.Writer, name, ct string, data []byte) error {
	var h mail.AttachmentHeader
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		mediaType, params = "application/octet-stream", nil
	}
	h.SetContentType(mediaType, params)
	h.Set("Content-Transfer-Encoding", "base64")
	h.SetFilename(name)

	w, err := mw.CreateAttachment(h)
	if err != nil {
		return encodingError("attach", err)
	}
	return writeAndClose(w, data, "attach")
}

func writeAndClose(w io.WriteCloser, data []byte, op string) error {
	if _, err := w.Write(data); err != nil {
		w.Close()
		return encodingError(op, err)
	}
	if err := w.Close(); err != nil {
		return encodingError(op, err)
	}
	return nil
}

// contentType returns the explicit type, else one inferred from the file
// extension, else one sniffed from the payload.
func contentType(att email.Attachment, name string, data []byte) string {
	if att.ContentType != "" {
		return att.ContentType
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

func encodingError(op string, err error) error {
	return mailerr.New(mailerr.KindEncoding, op, err)
}
