package pipeline

import (
	"sync/atomic"

	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/transform"
)

// Processor prepares one page of records for writing.
type Processor interface {
	// Process transforms records in place and drops those rejected by the
	// filter. A transform failure fails the whole page.
	Process(records []record.Record) (kept []record.Record, dropped int, err error)
	// GetFilteredCount returns how many records the filter dropped so far.
	GetFilteredCount() int64
}

// processorImpl runs the transform pipeline, then the filter.
type processorImpl struct {
	transforms *transform.Pipeline
	filter     *transform.Filter
	filtered   atomic.Int64
}

// NewProcessor returns a Processor. Both stages may be nil.
func NewProcessor(transforms *transform.Pipeline, filter *transform.Filter) Processor {
	return &processorImpl{transforms: transforms, filter: filter}
}

func (p *processorImpl) GetFilteredCount() int64 {
	return p.filtered.Load()
}

func (p *processorImpl) Process(records []record.Record) ([]record.Record, int, error) {
	if len(records) == 0 {
		return records, 0, nil
	}
	if err := p.transforms.Apply(records); err != nil {
		return nil, 0, err
	}
	kept, dropped := p.filter.Apply(records)
	if dropped > 0 {
		p.filtered.Add(int64(dropped))
		logging.Logf(logging.Debug, "Processor: filter dropped %d of %d records", dropped, len(records))
	}
	return kept, dropped, nil
}
