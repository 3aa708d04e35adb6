package cursor

import (
	"context"

	"docpump/internal/record"
)

// Skip discards the first n records of any pager client-side. The backend is
// never asked to skip, since token paging cannot seek.
type Skip struct {
	inner     Pager
	remaining int
}

// WithSkip layers a skip counter over p. A non-positive n returns p unchanged.
func WithSkip(p Pager, n int) Pager {
	if n <= 0 {
		return p
	}
	return &Skip{inner: p, remaining: n}
}

// NextPage fetches until it has records past the skip counter or the inner
// pager is done, so a page wholly consumed by the skip never looks like the
// end of the stream.
func (s *Skip) NextPage(ctx context.Context, limit int) ([]record.Record, bool, error) {
	for {
		recs, done, err := s.inner.NextPage(ctx, limit)
		if err != nil || done {
			return recs, done, err
		}
		if s.remaining == 0 {
			return recs, false, nil
		}
		if len(recs) <= s.remaining {
			s.remaining -= len(recs)
			continue
		}
		recs = recs[s.remaining:]
		s.remaining = 0
		return recs, false, nil
	}
}

func (s *Skip) Close(ctx context.Context) error { return s.inner.Close(ctx) }

// Remaining returns how many records are still to be discarded.
func (s *Skip) Remaining() int { return s.remaining }
