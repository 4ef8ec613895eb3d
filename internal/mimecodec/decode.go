package mimecodec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/shineum/mailkit/internal/email"
	"github.com/shineum/mailkit/internal/mailerr"
)

// Decode parses a complete RFC 5322 message. The first text/plain and
// text/html parts become the bodies; attachment parts are extracted with
// their decoded payload and anything else is ignored. When the message has
// HTML but no plain part, Text is rendered from the HTML.
func (c *Codec) Decode(raw []byte) (*email.FetchedMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, decodingError("header", errors.New("empty message"))
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, decodingError("header", err)
	}
	defer mr.Close()

	msg := fromHeader(mr.Header)

	var (
		text, html       string
		hasText, hasHTML bool
	)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if p == nil || !message.IsUnknownCharset(err) {
				return nil, decodingError("part", err)
			}
			slog.Warn("decoding part with unknown charset", "error", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := h.ContentType()
			switch mediaType {
			case "text/plain", "":
				body, err := io.ReadAll(p.Body)
				if err != nil {
					return nil, decodingError("body", err)
				}
				if !hasText {
					text, hasText = string(body), true
				}
			case "text/html":
				body, err := io.ReadAll(p.Body)
				if err != nil {
					return nil, decodingError("body", err)
				}
				if !hasHTML {
					html, hasHTML = string(body), true
				}
			default:
				slog.Debug("skipping inline part", "content_type", mediaType)
			}

		case *mail.AttachmentHeader:
			disp, _, _ := h.ContentDisposition()
			filename, _ := h.Filename()
			if disp != "attachment" && filename == "" {
				mediaType, _, _ := h.ContentType()
				slog.Debug("skipping unrecognized part", "content_type", mediaType)
				continue
			}

			body, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, decodingError("attachment", err)
			}
			if filename == "" {
				filename = fmt.Sprintf("attachment-%d", len(msg.Attachments)+1)
			}
			mediaType, _, _ := h.ContentType()
			if mediaType == "" {
				mediaType = "application/octet-stream"
			}
			msg.Attachments = append(msg.Attachments, email.Attachment{
				Filename:    email.BaseName(filename),
				ContentType: mediaType,
				Content:     body,
			})
		}
	}

	msg.HTML = html
	switch {
	case hasText:
		msg.Text = text
	case hasHTML && c.Renderer != nil:
		rendered, err := c.Renderer.RenderText([]byte(html))
		if err != nil {
			slog.Warn("failed to render html body", "error", err)
			break
		}
		msg.Text = rendered
	}

	return msg, nil
}

// DecodeHeader parses a header block, as returned for headers-only fetches.
func (c *Codec) DecodeHeader(raw []byte) (*email.FetchedMessage, error) {
	block := strings.TrimRight(string(raw), "\r\n") + "\r\n\r\n"
	if strings.TrimSpace(block) == "" {
		return nil, decodingError("header", errors.New("empty header"))
	}

	h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(block)))
	if err != nil {
		return nil, decodingError("header", err)
	}
	return fromHeader(mail.Header{Header: message.Header{Header: h}}), nil
}

func fromHeader(h mail.Header) *email.FetchedMessage {
	msg := &email.FetchedMessage{
		MessageID: strings.TrimSpace(h.Get("Message-Id")),
		To:        addressList(h, "To"),
		Cc:        addressList(h, "Cc"),
	}
	if from := addressList(h, "From"); len(from) > 0 {
		msg.From = from[0]
	}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}

	if date, err := h.Date(); err == nil {
		msg.Date = date
	}
	return msg
}

// addressList returns the bare addresses of a header, falling back to the
// raw comma separated values when the header does not parse.
func addressList(h mail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err == nil {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, a.Address)
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}

	var out []string
	for _, p := range strings.Split(h.Get(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func decodingError(op string, err error) error {
	return mailerr.New(mailerr.KindDecoding, op, err)
}
