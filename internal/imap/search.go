package imap

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/shineum/mailkit/internal/mailerr"
)

// Criteria filters messages in the selected mailbox. The zero value matches
// every message. Set fields are combined with AND.
type Criteria struct {
	Unseen bool
	Seen   bool

	// Since and Before compare against the internal date, day granularity.
	Since  time.Time
	Before time.Time

	// Header substring matches.
	From    string
	To      string
	Subject string

	// Body matches the body; Text matches headers and body.
	Body string
	Text string

	UIDs []uint32
}

// Search charsets.
const (
	CharsetDefault = ""
	CharsetASCII   = "US-ASCII"
	CharsetUTF8    = "UTF-8"
)

// Search returns the UIDs matching c, in server order.
func (s *Session) Search(ctx context.Context, c Criteria, charset string) ([]uint32, error) {
	if s.state != StateSelected {
		return nil, mailerr.Errorf(mailerr.KindFetch, "SEARCH", "session is %s, want %s", s.state, StateSelected)
	}
	if err := checkCharset(c, charset); err != nil {
		return nil, mailerr.New(mailerr.KindFetch, "SEARCH", err)
	}

	var uids []goimap.UID
	err := s.run(ctx, mailerr.KindFetch, "SEARCH", func() error {
		res, err := s.client.UIDSearch(c.searchCriteria(), nil).Wait()
		if err != nil {
			return err
		}
		uids = res.AllUIDs()
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]uint32, len(uids))
	for i, u := range uids {
		out[i] = uint32(u)
	}
	return out, nil
}

func (c Criteria) searchCriteria() *goimap.SearchCriteria {
	sc := &goimap.SearchCriteria{
		Since:  c.Since,
		Before: c.Before,
	}
	if c.Unseen {
		sc.NotFlag = append(sc.NotFlag, goimap.FlagSeen)
	}
	if c.Seen {
		sc.Flag = append(sc.Flag, goimap.FlagSeen)
	}
	for _, h := range []struct{ key, value string }{
		{"From", c.From},
		{"To", c.To},
		{"Subject", c.Subject},
	} {
		if h.value != "" {
			sc.Header = append(sc.Header, goimap.SearchCriteriaHeaderField{Key: h.key, Value: h.value})
		}
	}
	if c.Body != "" {
		sc.Body = []string{c.Body}
	}
	if c.Text != "" {
		sc.Text = []string{c.Text}
	}
	if len(c.UIDs) > 0 {
		sc.UID = []goimap.UIDSet{uidSet(c.UIDs)}
	}
	return sc
}

func (c Criteria) strings() []string {
	return []string{c.From, c.To, c.Subject, c.Body, c.Text}
}

// checkCharset validates the search charset. The client negotiates UTF-8
// on the wire whenever a criterion needs it, so US-ASCII only constrains
// the criteria themselves.
func checkCharset(c Criteria, charset string) error {
	switch strings.ToUpper(charset) {
	case CharsetDefault, CharsetUTF8:
		for _, v := range c.strings() {
			if !utf8.ValidString(v) {
				return fmt.Errorf("criterion %q is not valid UTF-8", v)
			}
		}
		return nil
	case CharsetASCII:
		for _, v := range c.strings() {
			for i := 0; i < len(v); i++ {
				if v[i] >= utf8.RuneSelf {
					return fmt.Errorf("criterion %q is not US-ASCII", v)
				}
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported search charset %q", charset)
}
