package io

import (
	"context"

	"docpump/internal/record"
	"docpump/internal/splitter"
)

// Source reads pages of records. An empty page is the end of the stream.
type Source interface {
	// Fetch returns up to limit records. offset is the scheduler's running
	// position; sources that page by token ignore it.
	Fetch(ctx context.Context, limit, offset int) ([]record.Record, error)

	// Close releases server-side state such as scroll sessions or snapshots.
	// Implementations should be idempotent.
	Close(ctx context.Context) error
}

// Sink writes batches of records.
type Sink interface {
	// Write stores records and reports how many were accepted. An empty
	// records slice is the end-of-stream signal: the sink flushes, finalizes
	// and releases everything it holds.
	Write(ctx context.Context, records []record.Record, limit, offset int) (record.WriteOutcome, error)
}

// SerialSink is implemented by sinks whose writes must be applied one at a
// time, in page order. The scheduler runs them with a single writer.
type SerialSink interface {
	Sink
	Serial()
}

// PartitionReporter is implemented by sinks that write through a splitter.
type PartitionReporter interface {
	Partitions() []splitter.Partition
}
