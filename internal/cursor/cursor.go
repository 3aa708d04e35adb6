// Package cursor walks an unbounded result set page by page.
//
// A Pager hides the paging dialect of a backend: plain offset/limit, a
// server-held scroll token, or a search-after marker over a point-in-time
// snapshot. Reads through a Pager are strictly sequential; callers must not
// call NextPage concurrently.
package cursor

import (
	"context"
	"time"

	"docpump/internal/record"
	"docpump/internal/runerr"
)

// State is the lifecycle position of a pager.
type State int

const (
	StateInit State = iota
	StatePaging
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePaging:
		return "paging"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Pager yields successive pages.
type Pager interface {
	// NextPage returns the next page of at most limit records. done is true
	// exactly when the backend reports no more data; the returned page is
	// then empty.
	NextPage(ctx context.Context, limit int) (records []record.Record, done bool, err error)
	// Close releases any server-side paging state. It is safe to call more
	// than once.
	Close(ctx context.Context) error
}

// asRead classifies an unclassified transport error as a read failure.
func asRead(err error, op string) error {
	if runerr.KindOf(err) != runerr.KindUnknown {
		return err
	}
	return runerr.Read(err, op)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
