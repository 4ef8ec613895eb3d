// Package email defines the core mail data model shared by the codec, the
// protocol sessions and the delivery providers.
package email

import (
	"strings"
	"time"
)

// Message is an outbound mail message. A message with no body and no
// attachments is valid and encodes to an empty multipart entity.
type Message struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string

	// Text and HTML are the optional body variants.
	Text string
	HTML string

	Attachments []Attachment

	// MessageID is generated at encode time when empty.
	MessageID string
}

// Recipients returns every envelope recipient in To, Cc, Bcc order.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}

// Attachment is a file attached to a message. Content holds the payload in
// memory; when Source is set it is read at encode time instead.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	Source      Source
}

// Name returns the last path segment of Filename.
func (a Attachment) Name() string {
	return BaseName(a.Filename)
}

// BaseName strips any directory component, accepting both separators.
func BaseName(filename string) string {
	if i := strings.LastIndexAny(filename, `/\`); i >= 0 {
		return filename[i+1:]
	}
	return filename
}

// FetchedMessage is a message decoded from a mailbox. It carries no
// reference to the session that produced it.
type FetchedMessage struct {
	UID       uint32
	MessageID string
	From      string
	To        []string
	Cc        []string
	Date      time.Time
	Subject   string

	// Text is the plain body, or the rendering of HTML when only HTML exists.
	Text string
	HTML string

	Attachments []Attachment

	// Flags as reported by the server at fetch time.
	Flags []string
	Size  int64
}

// HasFlag reports whether the message carried flag when it was fetched.
func (m *FetchedMessage) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// DroppedAttachment names an attachment left out of an encoded message.
type DroppedAttachment struct {
	Filename string
	Err      error
}

// DeliveryReceipt is the outcome of a successful delivery.
type DeliveryReceipt struct {
	// Code and Status are the final reply of the delivering server.
	Code   int
	Status string

	Provider   string
	MessageID  string
	Recipients []string
	Size       int

	Attached []string
	Dropped  []DroppedAttachment
}
