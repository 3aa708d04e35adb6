package cursor

import (
	"context"

	"docpump/internal/record"
)

// OffsetFetcher reads limit records starting at offset. Backends without
// server-side snapshots implement it.
type OffsetFetcher interface {
	FetchOffset(ctx context.Context, limit, offset int) ([]record.Record, error)
}

// OffsetFetcherFunc adapts a function to OffsetFetcher.
type OffsetFetcherFunc func(ctx context.Context, limit, offset int) ([]record.Record, error)

func (f OffsetFetcherFunc) FetchOffset(ctx context.Context, limit, offset int) ([]record.Record, error) {
	return f(ctx, limit, offset)
}

// Offset pages with (limit, offset) requests. The next offset is the
// previous one plus the number of records returned, so a short final page
// never skips data.
type Offset struct {
	fetcher OffsetFetcher
	offset  int
	state   State
}

// NewOffset starts paging at start.
func NewOffset(fetcher OffsetFetcher, start int) *Offset {
	if start < 0 {
		start = 0
	}
	return &Offset{fetcher: fetcher, offset: start}
}

func (o *Offset) NextPage(ctx context.Context, limit int) ([]record.Record, bool, error) {
	if o.state == StateExhausted {
		return nil, true, nil
	}
	recs, err := o.fetcher.FetchOffset(ctx, limit, o.offset)
	if err != nil {
		return nil, false, asRead(err, "offset fetch")
	}
	if len(recs) == 0 {
		o.state = StateExhausted
		return nil, true, nil
	}
	o.state = StatePaging
	o.offset += len(recs)
	return recs, false, nil
}

// Close is a no-op; offset paging holds no server state.
func (o *Offset) Close(context.Context) error {
	o.state = StateExhausted
	return nil
}

// Position returns the offset the next request will use.
func (o *Offset) Position() int { return o.offset }

// State returns the pager's lifecycle state.
func (o *Offset) State() State { return o.state }
