package cursor

import (
	"context"
	"strings"

	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/runerr"
)

const (
	DefaultPITKeepAlive = "5m"
	// TieBreakerField is the per-shard sequence key that makes a sort total.
	TieBreakerField = "_shard_doc"
)

// SearchAfterRequest is one page request against a point-in-time snapshot.
type SearchAfterRequest struct {
	Size        int
	Sort        []interface{}
	SearchAfter []interface{}
	PitID       string
	KeepAlive   string
}

// SearchAfterPage is one page response. PitID may differ from the request's;
// the newest id must be used for the following request.
type SearchAfterPage struct {
	PitID string
	Hits  []record.Record
}

// PITClient is the backend side of search-after paging.
type PITClient interface {
	OpenPIT(ctx context.Context, keepAlive string) (string, error)
	SearchAfter(ctx context.Context, req SearchAfterRequest) (SearchAfterPage, error)
	ClosePIT(ctx context.Context, pitID string) error
}

// SearchAfter pages over a snapshot with a client-held sort-key marker.
type SearchAfter struct {
	client    PITClient
	sort      []interface{}
	keepAlive string
	pitID     string
	after     []interface{}
	state     State
}

// NewSearchAfter returns a search-after pager. The sort is extended with a
// tie-breaker when needed.
func NewSearchAfter(client PITClient, sort []interface{}, keepAlive string) *SearchAfter {
	if keepAlive == "" {
		keepAlive = DefaultPITKeepAlive
	}
	return &SearchAfter{client: client, sort: EnsureTieBreaker(sort), keepAlive: keepAlive}
}

func (s *SearchAfter) NextPage(ctx context.Context, limit int) ([]record.Record, bool, error) {
	if s.state == StateExhausted {
		return nil, true, nil
	}
	if s.state == StateInit {
		id, err := s.client.OpenPIT(ctx, s.keepAlive)
		if err != nil {
			return nil, false, asRead(err, "pit open")
		}
		if id == "" {
			return nil, false, runerr.Readf("pit open", "backend returned an empty point-in-time id")
		}
		s.pitID = id
		s.state = StatePaging
	}

	page, err := s.client.SearchAfter(ctx, SearchAfterRequest{
		Size:        limit,
		Sort:        s.sort,
		SearchAfter: s.after,
		PitID:       s.pitID,
		KeepAlive:   s.keepAlive,
	})
	if err != nil {
		return nil, false, asRead(err, "search after")
	}
	if page.PitID != "" {
		s.pitID = page.PitID
	}
	if len(page.Hits) == 0 {
		s.finish(ctx)
		return nil, true, nil
	}
	last := page.Hits[len(page.Hits)-1]
	if len(last.Sort) == 0 {
		return nil, false, runerr.Readf("search after", "hit %q carries no sort values to continue from", last.ID)
	}
	s.after = last.Sort
	return page.Hits, false, nil
}

func (s *SearchAfter) finish(ctx context.Context) {
	s.state = StateExhausted
	if s.pitID == "" {
		return
	}
	id := s.pitID
	s.pitID = ""
	if err := s.client.ClosePIT(ctx, id); err != nil {
		logging.Logf(logging.Warning, "SearchAfter: failed to close point-in-time: %v", err)
	}
}

// Close releases the snapshot if it is still open.
func (s *SearchAfter) Close(ctx context.Context) error {
	if s.state == StateExhausted {
		return nil
	}
	s.state = StateExhausted
	if s.pitID == "" {
		return nil
	}
	id := s.pitID
	s.pitID = ""
	return s.client.ClosePIT(ctx, id)
}

// Marker returns the sort values the next request will continue after.
func (s *SearchAfter) Marker() []interface{} { return s.after }

// State returns the pager's lifecycle state.
func (s *SearchAfter) State() State { return s.state }

// EnsureTieBreaker returns sort with TieBreakerField appended unless one of
// its entries already sorts on it. Entries may be field names or
// {field: order} objects. The input is not modified.
func EnsureTieBreaker(sort []interface{}) []interface{} {
	for _, entry := range sort {
		if sortField(entry) == TieBreakerField {
			return sort
		}
	}
	out := make([]interface{}, 0, len(sort)+1)
	out = append(out, sort...)
	return append(out, TieBreakerField)
}

func sortField(entry interface{}) string {
	switch v := entry.(type) {
	case string:
		name, _, _ := strings.Cut(v, ":")
		return strings.TrimSpace(name)
	case map[string]interface{}:
		for k := range v {
			return k
		}
	}
	return ""
}
