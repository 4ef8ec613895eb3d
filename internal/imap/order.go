package imap

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// SortKey orders fetched messages client-side.
type SortKey string

// Sort keys. SortNone keeps the requested order.
const (
	SortNone    SortKey = ""
	SortDate    SortKey = "date"
	SortSubject SortKey = "subject"
	SortFrom    SortKey = "from"
	SortSize    SortKey = "size"
	SortUID     SortKey = "uid"
)

// ParseSortKey parses a sort key name, case-insensitively.
func ParseSortKey(s string) (SortKey, error) {
	k := SortKey(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case SortNone, SortDate, SortSubject, SortFrom, SortSize, SortUID:
		return k, nil
	}
	return "", fmt.Errorf("unknown sort key %q", s)
}

// plan returns the UIDs to retrieve, in retrieval order: reversed when
// requested, then cut to the limit.
func plan(uids []uint32, opts FetchOptions) []uint32 {
	out := slices.Clone(uids)
	if opts.Reverse {
		slices.Reverse(out)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// sortResults orders rs by key, descending when desc is set. Results
// without a message keep their relative order after all others.
func sortResults(rs []Result, key SortKey, desc bool) {
	slices.SortStableFunc(rs, func(a, b Result) int {
		switch {
		case a.Message == nil && b.Message == nil:
			return 0
		case a.Message == nil:
			return 1
		case b.Message == nil:
			return -1
		}
		c := compareBy(key, a, b)
		if desc {
			return -c
		}
		return c
	})
}

func compareBy(key SortKey, a, b Result) int {
	switch key {
	case SortDate:
		return a.Message.Date.Compare(b.Message.Date)
	case SortSubject:
		return strings.Compare(strings.ToLower(a.Message.Subject), strings.ToLower(b.Message.Subject))
	case SortFrom:
		return strings.Compare(strings.ToLower(a.Message.From), strings.ToLower(b.Message.From))
	case SortSize:
		return cmp.Compare(a.Message.Size, b.Message.Size)
	case SortUID:
		return cmp.Compare(a.UID, b.UID)
	}
	return 0
}
