package cursor

import (
	"context"
	"time"

	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/runerr"
)

const (
	DefaultScrollKeepAlive       = "10m"
	DefaultPartialFailureRetries = 3
	DefaultPartialFailureDelay   = 5 * time.Second
)

// ScrollPage is one response of a token-paged search.
type ScrollPage struct {
	Token string
	// Total is the hit count reported when the session was opened, or -1.
	Total int
	Hits  []record.Record
	// PartialFailure is set when some shards failed to answer, which happens
	// transiently right after a session is opened.
	PartialFailure bool
}

// ScrollClient is the backend side of token paging.
type ScrollClient interface {
	OpenScroll(ctx context.Context, limit int, keepAlive string) (ScrollPage, error)
	ContinueScroll(ctx context.Context, token, keepAlive string) (ScrollPage, error)
	ClearScroll(ctx context.Context, token string) error
}

// ScrollOptions tunes a Scroll pager.
type ScrollOptions struct {
	KeepAlive             string
	PartialFailureRetries int
	PartialFailureDelay   time.Duration
}

// Scroll pages through a server-held session. Only the first request carries
// the page size; every later request supplies only the token.
type Scroll struct {
	client ScrollClient
	opts   ScrollOptions
	token  string
	total  int
	state  State
	sleep  func(context.Context, time.Duration) error
}

// NewScroll returns a scroll pager with defaults applied to zero options.
func NewScroll(client ScrollClient, opts ScrollOptions) *Scroll {
	if opts.KeepAlive == "" {
		opts.KeepAlive = DefaultScrollKeepAlive
	}
	if opts.PartialFailureRetries < 0 {
		opts.PartialFailureRetries = 0
	}
	return &Scroll{client: client, opts: opts, total: -1, sleep: sleepCtx}
}

func (s *Scroll) NextPage(ctx context.Context, limit int) ([]record.Record, bool, error) {
	switch s.state {
	case StateExhausted:
		return nil, true, nil
	case StateInit:
		page, err := s.client.OpenScroll(ctx, limit, s.opts.KeepAlive)
		if err != nil {
			return nil, false, asRead(err, "scroll open")
		}
		s.total = page.Total
		s.state = StatePaging
		return s.accept(ctx, page)
	default:
		page, err := s.client.ContinueScroll(ctx, s.token, s.opts.KeepAlive)
		if err != nil {
			return nil, false, asRead(err, "scroll continue")
		}
		return s.accept(ctx, page)
	}
}

// accept handles a response, retrying partial failures against the same
// token before deciding whether the session is finished.
func (s *Scroll) accept(ctx context.Context, page ScrollPage) ([]record.Record, bool, error) {
	if page.Token != "" {
		s.token = page.Token
	}
	for attempt := 1; page.PartialFailure && len(page.Hits) == 0; attempt++ {
		if attempt > s.opts.PartialFailureRetries {
			return nil, false, runerr.Readf("scroll continue", "shards still failing after %d retries", s.opts.PartialFailureRetries)
		}
		if s.token == "" {
			return nil, false, runerr.Readf("scroll continue", "partial shard failure without a scroll token")
		}
		logging.Logf(logging.Warning, "Scroll: partial shard failure, retry %d/%d in %s", attempt, s.opts.PartialFailureRetries, s.opts.PartialFailureDelay)
		if err := s.sleep(ctx, s.opts.PartialFailureDelay); err != nil {
			return nil, false, runerr.Read(err, "scroll retry wait")
		}
		var err error
		page, err = s.client.ContinueScroll(ctx, s.token, s.opts.KeepAlive)
		if err != nil {
			return nil, false, asRead(err, "scroll continue")
		}
		if page.Token != "" {
			s.token = page.Token
		}
	}

	if len(page.Hits) == 0 {
		s.finish(ctx)
		return nil, true, nil
	}
	if page.Token == "" {
		return nil, false, runerr.Readf("scroll continue", "response carried %d hits but no scroll token", len(page.Hits))
	}
	return page.Hits, false, nil
}

// finish clears the server-side session. A failed clear only leaks a lease
// that expires on its own, so it is logged, not returned.
func (s *Scroll) finish(ctx context.Context) {
	s.state = StateExhausted
	if s.token == "" {
		return
	}
	token := s.token
	s.token = ""
	if err := s.client.ClearScroll(ctx, token); err != nil {
		logging.Logf(logging.Warning, "Scroll: failed to clear scroll session: %v", err)
	}
}

// Close clears the session if one is still open.
func (s *Scroll) Close(ctx context.Context) error {
	if s.state == StateExhausted {
		return nil
	}
	s.state = StateExhausted
	if s.token == "" {
		return nil
	}
	token := s.token
	s.token = ""
	return s.client.ClearScroll(ctx, token)
}

// Total returns the hit count reported when the session opened, or -1.
func (s *Scroll) Total() int { return s.total }

// State returns the pager's lifecycle state.
func (s *Scroll) State() State { return s.state }
