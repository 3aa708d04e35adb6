package io

import (
	"context"

	"github.com/cockroachdb/errors"

	"docpump/internal/bulk"
	"docpump/internal/config"
	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/runerr"
)

// SearchSink writes batches through the bulk endpoint, or applies metadata
// records for the mapping, settings and alias kinds.
type SearchSink struct {
	backend *SearchBackend
	kind    string
	enc     bulk.Encoder
	policy  bulk.Policy
	refresh bool
}

func newSearchSink(cfg *config.RunConfig, backend *SearchBackend) (*SearchSink, error) {
	action, err := bulk.ParseAction(cfg.Destination.Action)
	if err != nil {
		return nil, runerr.Validation(err, "use index, create, update or delete")
	}
	index := cfg.Destination.Index
	if index == "" {
		index = backend.Index()
	}
	return &SearchSink{
		backend: backend,
		kind:    cfg.Type,
		enc:     bulk.Encoder{Action: action, Index: index, Type: cfg.Destination.DocType},
		policy:  bulk.Policy{IgnoreErrors: cfg.IgnoreErrors},
		refresh: !cfg.Destination.NoRefresh,
	}, nil
}

func (s *SearchSink) Write(ctx context.Context, records []record.Record, _, offset int) (record.WriteOutcome, error) {
	if len(records) == 0 {
		return record.WriteOutcome{}, nil
	}
	if s.kind != config.KindData {
		for _, r := range records {
			if err := s.backend.PutMeta(ctx, s.kind, r); err != nil {
				return record.WriteOutcome{}, err
			}
		}
		return record.WriteOutcome{Writes: len(records)}, nil
	}

	if s.enc.Action == bulk.ActionDelete {
		return s.deleteBatch(ctx, records, offset)
	}

	body, err := s.enc.Encode(records)
	if err != nil {
		return record.WriteOutcome{}, err
	}
	resp, err := s.backend.Bulk(ctx, body)
	if err != nil {
		return record.WriteOutcome{}, err
	}
	out, err := bulk.Decode(resp, len(records), s.policy)
	if err != nil {
		return out, err
	}
	if out.Suppressed > 0 {
		logging.Logf(logging.Warning, "Bulk write at offset %d: %d item(s) failed and were ignored", offset, out.Suppressed)
	}
	if s.refresh && out.Writes > 0 {
		if err := s.backend.Refresh(ctx); err != nil {
			return out, err
		}
	}
	return out, nil
}

// deleteBatch removes records one DELETE at a time. Documents that are
// already gone count as written.
func (s *SearchSink) deleteBatch(ctx context.Context, records []record.Record, offset int) (record.WriteOutcome, error) {
	targets := records
	if s.enc.Index != "" {
		targets = make([]record.Record, len(records))
		for i, r := range records {
			r.Index = s.enc.Index
			targets[i] = r
		}
	}
	if err := s.backend.DeleteRecords(ctx, targets); err != nil {
		if s.policy.IgnoreErrors {
			logging.Logf(logging.Warning, "Delete at offset %d failed and was ignored: %v", offset, err)
			return record.WriteOutcome{Suppressed: len(records), Errors: []error{err}}, nil
		}
		return record.WriteOutcome{}, runerr.Write(errors.Wrapf(err, "delete batch at offset %d", offset), "delete")
	}
	if s.refresh {
		if err := s.backend.Refresh(ctx); err != nil {
			return record.WriteOutcome{Writes: len(records)}, err
		}
	}
	return record.WriteOutcome{Writes: len(records)}, nil
}
