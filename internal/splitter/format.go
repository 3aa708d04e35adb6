package splitter

import "docpump/internal/record"

// Format produces per-partition record encoders for one container format.
type Format interface {
	// Name is the configured format name, e.g. "ndjson".
	Name() string
	// Ext is the file extension used when the base name has none.
	Ext() string
	ContentType() string
	// Streaming reports whether Encode returns each record's final bytes.
	// Byte-size thresholds require a streaming format.
	Streaming() bool
	NewEncoder() RecordEncoder
}

// RecordEncoder frames records for a single partition. It returns bytes
// instead of writing them so the splitter can decide, before anything is
// written, which partition the record belongs to.
type RecordEncoder interface {
	// Encode returns the bytes for r, including any header or separator
	// that must precede it in this partition.
	Encode(r record.Record) ([]byte, error)
	// Overhead is the number of bytes Finish will add.
	Overhead() int
	// Finish returns the closing bytes of the partition.
	Finish() ([]byte, error)
}
