package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/shineum/mailkit/internal/config"
	"github.com/shineum/mailkit/internal/email"
	"github.com/shineum/mailkit/internal/imap"
	"github.com/shineum/mailkit/internal/mailer"
)

const dateLayout = "2006-01-02"

// listFlag collects a repeatable or comma separated flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

func runSend(ctx context.Context, client *mailer.Client, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	var to, cc, bcc, attach listFlag
	fs.Var(&to, "to", "recipient (repeatable)")
	fs.Var(&cc, "cc", "carbon copy recipient (repeatable)")
	fs.Var(&bcc, "bcc", "blind carbon copy recipient (repeatable)")
	fs.Var(&attach, "attach", "file to attach (repeatable)")
	from := fs.String("from", "", "sender address, defaults to the account")
	subject := fs.String("subject", "", "subject line")
	text := fs.String("text", "", "plain text body")
	html := fs.String("html", "", "HTML body")
	textFile := fs.String("text-file", "", "read the plain text body from a file, - for stdin")
	htmlFile := fs.String("html-file", "", "read the HTML body from a file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(to)+len(cc)+len(bcc) == 0 {
		return fmt.Errorf("at least one of -to, -cc or -bcc is required")
	}

	msg := &email.Message{
		From:    *from,
		To:      to,
		Cc:      cc,
		Bcc:     bcc,
		Subject: *subject,
		Text:    *text,
		HTML:    *html,
	}
	if *textFile != "" {
		body, err := readBody(*textFile)
		if err != nil {
			return err
		}
		msg.Text = body
	}
	if *htmlFile != "" {
		body, err := readBody(*htmlFile)
		if err != nil {
			return err
		}
		msg.HTML = body
	}
	for _, path := range attach {
		msg.Attachments = append(msg.Attachments, email.File(path))
	}

	receipt, err := client.Send(ctx, msg)
	if err != nil {
		return err
	}

	for _, d := range receipt.Dropped {
		slog.Warn("attachment dropped", "filename", d.Filename, "error", d.Err)
	}
	slog.Info("message sent",
		"provider", receipt.Provider,
		"message_id", receipt.MessageID,
		"status", receipt.Status,
		"recipients", len(receipt.Recipients),
		"size", units.HumanSize(float64(receipt.Size)),
	)
	fmt.Println(receipt.MessageID)
	return nil
}

func readBody(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	return string(data), nil
}

func runFetch(ctx context.Context, client *mailer.Client, cfg *config.Config, args []string) error {
	req := mailer.DefaultFetchRequest()

	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.StringVar(&req.Mailbox, "mailbox", cfg.IMAP.Mailbox, "mailbox to select")
	fs.BoolVar(&req.Criteria.Unseen, "unseen", false, "only unseen messages")
	fs.StringVar(&req.Criteria.From, "from", "", "match the From header")
	fs.StringVar(&req.Criteria.Subject, "subject", "", "match the subject")
	fs.StringVar(&req.Criteria.Text, "text", "", "match headers or body")
	since := fs.String("since", "", "only messages on or after this date (YYYY-MM-DD)")
	before := fs.String("before", "", "only messages before this date (YYYY-MM-DD)")
	fs.StringVar(&req.Charset, "charset", req.Charset, "search charset, empty for none")
	fs.IntVar(&req.Options.Limit, "limit", req.Options.Limit, "maximum messages returned, 0 for all")
	fs.BoolVar(&req.Options.MarkSeen, "mark-seen", req.Options.MarkSeen, "mark returned messages seen")
	fs.BoolVar(&req.Options.Reverse, "reverse", req.Options.Reverse, "newest first")
	fs.BoolVar(&req.Options.HeadersOnly, "headers-only", false, "fetch headers only")
	fs.BoolVar(&req.Options.Bulk, "bulk", false, "fetch all matches in one command")
	sortKey := fs.String("sort", "", "sort by date, subject, from, size or uid")
	saveDir := fs.String("save-dir", "", "write attachments into this directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var err error
	if req.Criteria.Since, err = parseDate("since", *since); err != nil {
		return err
	}
	if req.Criteria.Before, err = parseDate("before", *before); err != nil {
		return err
	}
	if req.Options.Sort, err = imap.ParseSortKey(*sortKey); err != nil {
		return err
	}

	results, err := client.Fetch(ctx, req)
	for _, r := range results {
		if r.Err != nil {
			slog.Warn("message not returned", "uid", r.UID, "error", r.Err)
			continue
		}
		printMessage(os.Stdout, r.Message)
		if *saveDir != "" {
			saveAttachments(*saveDir, r.Message)
		}
	}
	return err
}

func parseDate(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -%s: %w", name, err)
	}
	return t, nil
}

func printMessage(w io.Writer, m *email.FetchedMessage) {
	fmt.Fprintf(w, "UID:     %d\n", m.UID)
	fmt.Fprintf(w, "Date:    %s\n", m.Date.Format(time.RFC1123Z))
	fmt.Fprintf(w, "From:    %s\n", m.From)
	fmt.Fprintf(w, "To:      %s\n", strings.Join(m.To, ", "))
	if len(m.Cc) > 0 {
		fmt.Fprintf(w, "Cc:      %s\n", strings.Join(m.Cc, ", "))
	}
	fmt.Fprintf(w, "Subject: %s\n", m.Subject)
	fmt.Fprintf(w, "Flags:   %s\n", strings.Join(m.Flags, " "))
	for _, a := range m.Attachments {
		fmt.Fprintf(w, "Attachment: %s (%s, %s)\n", a.Filename, a.ContentType, units.HumanSize(float64(len(a.Content))))
	}
	if m.Text != "" {
		fmt.Fprintf(w, "\n%s\n", strings.TrimRight(m.Text, "\r\n"))
	}
	fmt.Fprintln(w, strings.Repeat("-", 40))
}

func saveAttachments(dir string, m *email.FetchedMessage) {
	for _, a := range m.Attachments {
		path, err := email.SaveAttachment(dir, a)
		if err != nil {
			slog.Warn("failed to save attachment", "uid", m.UID, "filename", a.Filename, "error", err)
			continue
		}
		slog.Info("attachment saved", "uid", m.UID, "path", path)
	}
}
