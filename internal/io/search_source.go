package io

import (
	"context"

	"docpump/internal/config"
	"docpump/internal/cursor"
	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/runerr"
)

// newSearchSource builds the pager for the configured kind and paging
// dialect. Token dialects cannot seek, so a start offset is applied as a
// client-side skip on top of the configured one.
func newSearchSource(cfg *config.RunConfig, backend *SearchBackend) *pagedSource {
	if cfg.Type != config.KindData {
		return &pagedSource{pager: &metaPager{backend: backend, kind: cfg.Type}}
	}

	var pager cursor.Pager
	skip := cfg.Skip
	switch cfg.Source.Paging {
	case config.PagingOffset:
		pager = cursor.NewOffset(backend, cfg.Offset)
	case config.PagingSearchAfter:
		pager = cursor.NewSearchAfter(backend, cfg.Source.Sort, cfg.Source.PITKeepAlive)
		skip += cfg.Offset
	default:
		retries := config.DefaultPartialFailureRetries
		if cfg.Source.PartialFailureRetries != nil {
			retries = *cfg.Source.PartialFailureRetries
		}
		pager = cursor.NewScroll(backend, cursor.ScrollOptions{
			KeepAlive:             cfg.Source.ScrollTime,
			PartialFailureRetries: retries,
			PartialFailureDelay:   cfg.Source.PartialFailureDelay,
		})
		skip += cfg.Offset
	}
	logging.Logf(logging.Debug, "Search source on index '%s' using %s paging (skip %d)", backend.Index(), cfg.Source.Paging, skip)

	src := &pagedSource{pager: cursor.WithSkip(pager, skip)}
	if cfg.Source.Delete {
		src.afterPage = func(ctx context.Context, recs []record.Record) error {
			if err := backend.DeleteRecords(context.WithoutCancel(ctx), recs); err != nil {
				return runerr.Read(err, "delete after read")
			}
			return nil
		}
	}
	return src
}

// metaPager returns the metadata of an index as a single one-record page.
type metaPager struct {
	backend *SearchBackend
	kind    string
	done    bool
}

func (m *metaPager) NextPage(ctx context.Context, _ int) ([]record.Record, bool, error) {
	if m.done {
		return nil, true, nil
	}
	m.done = true
	r, err := m.backend.GetMeta(ctx, m.kind)
	if err != nil {
		return nil, false, err
	}
	return []record.Record{r}, false, nil
}

func (m *metaPager) Close(context.Context) error { return nil }
