package imap

import (
	"slices"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/shineum/mailkit/internal/email"
)

func TestPlan(t *testing.T) {
	t.Parallel()

	uids := []uint32{1, 2, 3, 4}
	tests := []struct {
		name string
		opts FetchOptions
		want []uint32
	}{
		{name: "server order", opts: FetchOptions{}, want: []uint32{1, 2, 3, 4}},
		{name: "reverse", opts: FetchOptions{Reverse: true}, want: []uint32{4, 3, 2, 1}},
		{name: "limit", opts: FetchOptions{Limit: 2}, want: []uint32{1, 2}},
		{name: "newest", opts: FetchOptions{Reverse: true, Limit: 1}, want: []uint32{4}},
		{name: "limit above size", opts: FetchOptions{Limit: 10}, want: []uint32{1, 2, 3, 4}},
	}

	for _, tt := range tests {
		if got := plan(uids, tt.opts); !slices.Equal(got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
	if !slices.Equal(uids, []uint32{1, 2, 3, 4}) {
		t.Errorf("plan modified its input: %v", uids)
	}
}

func TestSortResults(t *testing.T) {
	t.Parallel()

	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	base := []Result{
		{UID: 1, Message: &email.FetchedMessage{Subject: "b", From: "z@x", Size: 30, Date: day(3)}},
		{UID: 2, Err: errNotFound},
		{UID: 3, Message: &email.FetchedMessage{Subject: "A", From: "y@x", Size: 10, Date: day(1)}},
		{UID: 4, Message: &email.FetchedMessage{Subject: "c", From: "x@x", Size: 20, Date: day(2)}},
	}

	tests := []struct {
		key  SortKey
		desc bool
		want []uint32
	}{
		{key: SortDate, want: []uint32{3, 4, 1, 2}},
		{key: SortDate, desc: true, want: []uint32{1, 4, 3, 2}},
		{key: SortSubject, want: []uint32{3, 1, 4, 2}},
		{key: SortFrom, want: []uint32{4, 3, 1, 2}},
		{key: SortSize, want: []uint32{3, 4, 1, 2}},
		{key: SortUID, desc: true, want: []uint32{4, 3, 1, 2}},
	}

	for _, tt := range tests {
		rs := slices.Clone(base)
		sortResults(rs, tt.key, tt.desc)
		if got := resultUIDs(rs); !slices.Equal(got, tt.want) {
			t.Errorf("sort %s desc=%v: got %v, want %v", tt.key, tt.desc, got, tt.want)
		}
	}
}

func TestParseSortKey(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "date", "Subject", " FROM ", "size", "uid"} {
		if _, err := ParseSortKey(in); err != nil {
			t.Errorf("ParseSortKey(%q): unexpected error: %v", in, err)
		}
	}
	if _, err := ParseSortKey("arrival"); err == nil {
		t.Error("ParseSortKey(arrival): expected error")
	}
}

func TestCheckCharset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		criteria Criteria
		charset  string
		wantErr  bool
	}{
		{name: "default ascii", criteria: Criteria{Subject: "hi"}},
		{name: "default utf8", criteria: Criteria{Subject: "héllo"}},
		{name: "ascii", criteria: Criteria{From: "bob"}, charset: "us-ascii"},
		{name: "ascii rejects", criteria: Criteria{Text: "naïve"}, charset: CharsetASCII, wantErr: true},
		{name: "utf8", criteria: Criteria{Body: "日本"}, charset: CharsetUTF8},
		{name: "invalid utf8", criteria: Criteria{Body: "\xff"}, charset: CharsetUTF8, wantErr: true},
		{name: "unsupported", criteria: Criteria{}, charset: "KOI8-R", wantErr: true},
	}

	for _, tt := range tests {
		err := checkCharset(tt.criteria, tt.charset)
		if tt.wantErr && err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
		}
	}
}

func TestCriteria_SearchCriteria(t *testing.T) {
	t.Parallel()

	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	sc := Criteria{
		Unseen:  true,
		Since:   since,
		From:    "alice",
		Subject: "report",
		Text:    "quarterly",
		UIDs:    []uint32{3, 4, 5},
	}.searchCriteria()

	if !slices.Equal(sc.NotFlag, []goimap.Flag{goimap.FlagSeen}) {
		t.Errorf("NotFlag: got %v", sc.NotFlag)
	}
	if len(sc.Flag) != 0 {
		t.Errorf("Flag: got %v, want none", sc.Flag)
	}
	if !sc.Since.Equal(since) {
		t.Errorf("Since: got %v, want %v", sc.Since, since)
	}
	want := []goimap.SearchCriteriaHeaderField{{Key: "From", Value: "alice"}, {Key: "Subject", Value: "report"}}
	if !slices.Equal(sc.Header, want) {
		t.Errorf("Header: got %v, want %v", sc.Header, want)
	}
	if !slices.Equal(sc.Text, []string{"quarterly"}) {
		t.Errorf("Text: got %v", sc.Text)
	}
	if len(sc.UID) != 1 {
		t.Fatalf("UID: got %d sets, want 1", len(sc.UID))
	}
	for _, uid := range []goimap.UID{3, 4, 5} {
		if !sc.UID[0].Contains(uid) {
			t.Errorf("UID set %v missing %d", sc.UID[0], uid)
		}
	}

	empty := Criteria{}.searchCriteria()
	if len(empty.Header) != 0 || len(empty.UID) != 0 || len(empty.NotFlag) != 0 || !empty.Since.IsZero() {
		t.Errorf("zero Criteria should map to ALL, got %+v", empty)
	}
}
