package imap

import (
	"context"
	"errors"
	"log/slog"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/shineum/mailkit/internal/email"
	"github.com/shineum/mailkit/internal/mailerr"
)

var (
	errNotFound = errors.New("message not found")
	errNoBody   = errors.New("server returned no body section")
)

// FetchOptions controls retrieval.
type FetchOptions struct {
	// HeadersOnly retrieves the header block instead of the whole message.
	HeadersOnly bool

	// Bulk retrieves every message in one command instead of one per UID.
	Bulk bool

	// MarkSeen sets \Seen on each message once its data has been received
	// and decoded. Messages are fetched with BODY.PEEK either way.
	MarkSeen bool

	// Reverse reverses the requested order, or makes Sort descending.
	Reverse bool

	// Sort reorders the results after retrieval. Setting it buffers the
	// whole result set before the first element is returned.
	Sort SortKey

	// Limit caps how many UIDs are retrieved, after Reverse. Zero means all.
	Limit int
}

// Result is one element of a FetchStream. Err is a per-message failure:
// missing message, server NO, or undecodable data. Message may be set
// alongside Err when only the \Seen update failed.
type Result struct {
	UID     uint32
	Message *email.FetchedMessage
	Err     error
}

// FetchStream yields fetched messages one at a time. It is finite and
// single-use. Terminal failures such as timeouts, cancellation or a lost
// connection end the stream and are reported by Err.
type FetchStream struct {
	s    *Session
	ctx  context.Context
	opts FetchOptions
	sec  *goimap.FetchItemBodySection

	pending []uint32

	buffered   []Result
	loaded     bool
	pendingErr error

	cur    Result
	err    error
	closed bool
}

// Fetch starts retrieving uids. Without Bulk or Sort each call to Next
// runs one command; otherwise the first call retrieves everything.
func (s *Session) Fetch(ctx context.Context, uids []uint32, opts FetchOptions) (*FetchStream, error) {
	if s.state != StateSelected {
		return nil, mailerr.Errorf(mailerr.KindFetch, "FETCH", "session is %s, want %s", s.state, StateSelected)
	}
	if _, err := ParseSortKey(string(opts.Sort)); err != nil {
		return nil, mailerr.New(mailerr.KindFetch, "FETCH", err)
	}

	sec := &goimap.FetchItemBodySection{Peek: true}
	if opts.HeadersOnly {
		sec.Specifier = goimap.PartSpecifierHeader
	}
	return &FetchStream{
		s:       s,
		ctx:     ctx,
		opts:    opts,
		sec:     sec,
		pending: plan(uids, opts),
	}, nil
}

// Next advances to the next result.
func (f *FetchStream) Next() bool {
	if f.closed {
		return false
	}

	if f.opts.Bulk || f.opts.Sort != SortNone {
		if !f.loaded {
			if err := f.usable(); err != nil {
				f.err = err
				return false
			}
			f.loaded = true
			f.buffered, f.pendingErr = f.load()
		}
		if len(f.buffered) == 0 {
			f.err = f.pendingErr
			return false
		}
		f.cur, f.buffered = f.buffered[0], f.buffered[1:]
		return true
	}

	if f.err != nil || len(f.pending) == 0 {
		return false
	}
	if err := f.usable(); err != nil {
		f.err = err
		return false
	}
	uid := f.pending[0]
	f.pending = f.pending[1:]

	r, err := f.fetchOne(uid)
	f.err = err
	if r == nil {
		return false
	}
	f.cur = *r
	return true
}

// usable reports why the session can no longer serve the stream.
func (f *FetchStream) usable() error {
	if f.s.state != StateSelected {
		return mailerr.Errorf(mailerr.KindConnect, "FETCH", "session is %s, want %s", f.s.state, StateSelected)
	}
	return nil
}

// Result returns the current result.
func (f *FetchStream) Result() Result {
	return f.cur
}

// Err returns the terminal error, if any.
func (f *FetchStream) Err() error {
	return f.err
}

// Close releases the stream. Unread results are discarded.
func (f *FetchStream) Close() error {
	f.closed = true
	f.pending = nil
	f.buffered = nil
	return nil
}

// load retrieves every pending UID and applies the sort.
func (f *FetchStream) load() ([]Result, error) {
	uids := f.pending
	f.pending = nil

	var (
		rs  []Result
		err error
	)
	if f.opts.Bulk {
		rs, err = f.fetchBulk(uids)
	} else {
		for _, uid := range uids {
			var r *Result
			r, err = f.fetchOne(uid)
			if r != nil {
				rs = append(rs, *r)
			}
			if err != nil {
				break
			}
		}
	}
	if f.opts.Sort != SortNone {
		sortResults(rs, f.opts.Sort, f.opts.Reverse)
	}
	return rs, err
}

// fetchOne retrieves a single UID. A nil result means nothing was received.
func (f *FetchStream) fetchOne(uid uint32) (*Result, error) {
	bufs, err := f.collect([]uint32{uid})
	if err != nil {
		if f.s.state == StateDisconnected {
			return nil, err
		}
		return &Result{UID: uid, Err: withUID(err, uid)}, nil
	}

	r := f.decode(uid, find(bufs, uid))
	if r.Err != nil || !f.opts.MarkSeen {
		return &r, nil
	}
	if err := f.markSeen([]*Result{&r}); err != nil {
		return &r, err
	}
	return &r, nil
}

// fetchBulk retrieves uids in one command, then marks the decoded ones seen
// in one more.
func (f *FetchStream) fetchBulk(uids []uint32) ([]Result, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	bufs, err := f.collect(uids)
	var inband error
	if err != nil {
		if f.s.state == StateDisconnected {
			return nil, err
		}
		inband = err
	}

	byUID := make(map[uint32]*imapclient.FetchMessageBuffer, len(bufs))
	for _, b := range bufs {
		byUID[uint32(b.UID)] = b
	}

	rs := make([]Result, 0, len(uids))
	for _, uid := range uids {
		buf := byUID[uid]
		if buf == nil && inband != nil {
			rs = append(rs, Result{UID: uid, Err: withUID(inband, uid)})
			continue
		}
		rs = append(rs, f.decode(uid, buf))
	}

	if !f.opts.MarkSeen {
		return rs, nil
	}
	var received []*Result
	for i := range rs {
		if rs[i].Err == nil {
			received = append(received, &rs[i])
		}
	}
	return rs, f.markSeen(received)
}

func (f *FetchStream) collect(uids []uint32) ([]*imapclient.FetchMessageBuffer, error) {
	opts := &goimap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*goimap.FetchItemBodySection{f.sec},
	}
	var bufs []*imapclient.FetchMessageBuffer
	err := f.s.run(f.ctx, mailerr.KindFetch, "FETCH", func() error {
		var err error
		bufs, err = f.s.client.Fetch(uidSet(uids), opts).Collect()
		return err
	})
	return bufs, err
}

// markSeen stores \Seen for rs. A NO response is attached to each result;
// anything else is terminal for the stream.
func (f *FetchStream) markSeen(rs []*Result) error {
	if len(rs) == 0 {
		return nil
	}
	uids := make([]uint32, len(rs))
	for i, r := range rs {
		uids[i] = r.UID
	}

	err := f.s.MarkSeen(f.ctx, uids...)
	if err == nil {
		for _, r := range rs {
			if !r.Message.HasFlag(string(goimap.FlagSeen)) {
				r.Message.Flags = append(r.Message.Flags, string(goimap.FlagSeen))
			}
		}
		return nil
	}

	slog.Warn("failed to mark messages seen", "uids", uids, "error", err)
	for _, r := range rs {
		r.Err = withUID(err, r.UID)
	}
	if f.s.state == StateDisconnected {
		return err
	}
	return nil
}

func (f *FetchStream) decode(uid uint32, buf *imapclient.FetchMessageBuffer) Result {
	if buf == nil {
		return Result{UID: uid, Err: &mailerr.Error{Kind: mailerr.KindFetch, Op: "FETCH", UID: uid, Err: errNotFound}}
	}
	raw := buf.FindBodySection(f.sec)
	if raw == nil {
		return Result{UID: uid, Err: &mailerr.Error{Kind: mailerr.KindFetch, Op: "FETCH", UID: uid, Err: errNoBody}}
	}

	var (
		msg *email.FetchedMessage
		err error
	)
	if f.opts.HeadersOnly {
		msg, err = f.s.cfg.Codec.DecodeHeader(raw)
	} else {
		msg, err = f.s.cfg.Codec.Decode(raw)
	}
	if err != nil {
		slog.Debug("failed to decode fetched message", "uid", uid, "error", err)
		return Result{UID: uid, Err: &mailerr.Error{Kind: mailerr.KindFetch, Op: "decode", UID: uid, Err: err}}
	}

	msg.UID = uid
	msg.Size = buf.RFC822Size
	if msg.Date.IsZero() {
		msg.Date = buf.InternalDate
	}
	for _, fl := range buf.Flags {
		msg.Flags = append(msg.Flags, string(fl))
	}
	return Result{UID: uid, Message: msg}
}

func find(bufs []*imapclient.FetchMessageBuffer, uid uint32) *imapclient.FetchMessageBuffer {
	for _, b := range bufs {
		if uint32(b.UID) == uid {
			return b
		}
	}
	return nil
}

// withUID tags a session error with the UID it concerns.
func withUID(err error, uid uint32) error {
	var merr *mailerr.Error
	if errors.As(err, &merr) {
		cp := *merr
		cp.UID = uid
		return &cp
	}
	return &mailerr.Error{Kind: mailerr.KindFetch, Op: "FETCH", UID: uid, Err: err}
}
