// Package splitter routes serialized records into one or more bounded output
// partitions, rolling over by byte size or row count.
package splitter

import (
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/runerr"
)

// State is the lifecycle position of a partition.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateFlushed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFlushed:
		return "flushed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Partition describes one physical output unit.
type Partition struct {
	Ordinal int
	Name    string
	Rows    int
	// Bytes counts uncompressed encoder output, including framing.
	Bytes int64
	State State
	Err   error
}

// Config selects thresholds and output for a Splitter. FileSize and MaxRows
// are mutually exclusive; with neither set a single partition is written.
type Config struct {
	Base     string
	FileSize int64
	MaxRows  int
	Compress bool
	Format   Format
	Opener   PartitionOpener
}

// Validate reports configuration that cannot produce correct partitions.
func (c Config) Validate() error {
	switch {
	case c.Format == nil:
		return errors.New("splitter: format is required")
	case c.Opener == nil:
		return errors.New("splitter: partition opener is required")
	case c.Base == "":
		return errors.New("splitter: base name is required")
	case c.FileSize < 0 || c.MaxRows < 0:
		return errors.New("splitter: thresholds must not be negative")
	case c.FileSize > 0 && c.MaxRows > 0:
		return errors.New("splitter: fileSize and maxRows are mutually exclusive")
	case c.FileSize > 0 && !c.Format.Streaming():
		return errors.Newf("splitter: format %q supports row-count partitions only", c.Format.Name())
	}
	return nil
}

// Splitter writes records to lazily opened partitions. Exactly one partition
// accepts writes at a time; closed partitions finish in the background.
type Splitter struct {
	cfg Config

	mu       sync.Mutex
	cur      *openPartition
	next     int
	finished bool

	stateMu sync.Mutex
	parts   []*Partition

	closers errgroup.Group
}

type openPartition struct {
	meta *Partition
	enc  RecordEncoder
	sink io.WriteCloser
	gz   *gzip.Writer
	w    io.Writer
}

// New returns a splitter for cfg.
func New(cfg Config) (*Splitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, runerr.Validation(err, "set either fileSize or maxRows, not both")
	}
	return &Splitter{cfg: cfg}, nil
}

func (s *Splitter) split() bool { return s.cfg.FileSize > 0 || s.cfg.MaxRows > 0 }

// Write appends records in order, rolling partitions as thresholds are met.
// It returns how many records were written.
func (s *Splitter) Write(ctx context.Context, records []record.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return 0, runerr.Partition(errors.New("splitter already finished"), "write")
	}
	for i, r := range records {
		if err := s.writeRecord(ctx, r); err != nil {
			return i, err
		}
	}
	return len(records), nil
}

func (s *Splitter) writeRecord(ctx context.Context, r record.Record) error {
	if s.cur == nil {
		if err := s.open(ctx); err != nil {
			return err
		}
	}
	chunk, err := s.cur.enc.Encode(r)
	if err != nil {
		return runerr.Parse(errors.Wrapf(err, "encode record %q", r.ID), "partition encode", runerr.KindWrite)
	}
	// Roll over first when this record would push a non-empty partition past
	// its byte budget.
	if s.cfg.FileSize > 0 && s.cur.meta.Rows > 0 &&
		s.cur.meta.Bytes+int64(len(chunk)+s.cur.enc.Overhead()) > s.cfg.FileSize {
		if err := s.finalize(); err != nil {
			return err
		}
		if err := s.open(ctx); err != nil {
			return err
		}
		if chunk, err = s.cur.enc.Encode(r); err != nil {
			return runerr.Parse(errors.Wrapf(err, "encode record %q", r.ID), "partition encode", runerr.KindWrite)
		}
	}
	if err := s.emit(chunk); err != nil {
		return err
	}
	s.stateMu.Lock()
	s.cur.meta.Rows++
	s.stateMu.Unlock()

	if s.thresholdReached() {
		return s.finalize()
	}
	return nil
}

func (s *Splitter) thresholdReached() bool {
	m := s.cur.meta
	switch {
	case s.cfg.MaxRows > 0:
		return m.Rows >= s.cfg.MaxRows
	case s.cfg.FileSize > 0:
		return m.Bytes+int64(s.cur.enc.Overhead()) >= s.cfg.FileSize
	}
	return false
}

func (s *Splitter) open(ctx context.Context) error {
	name := SingleName(s.cfg.Base, s.cfg.Compress)
	if s.split() {
		name = PartitionName(s.cfg.Base, s.next, s.cfg.Compress)
	}
	sink, err := s.cfg.Opener.Open(ctx, name)
	if err != nil {
		return runerr.Partition(err, "open "+name)
	}
	p := &openPartition{
		meta: &Partition{Ordinal: s.next, Name: name, State: StateOpen},
		enc:  s.cfg.Format.NewEncoder(),
		sink: sink,
		w:    sink,
	}
	if s.cfg.Compress {
		p.gz = gzip.NewWriter(sink)
		p.w = p.gz
	}
	s.next++
	s.cur = p
	s.stateMu.Lock()
	s.parts = append(s.parts, p.meta)
	s.stateMu.Unlock()
	logging.Logf(logging.Debug, "Splitter: opened partition %d (%s)", p.meta.Ordinal, name)
	return nil
}

func (s *Splitter) emit(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	meta := s.cur.meta
	n, err := s.cur.w.Write(b)
	s.stateMu.Lock()
	meta.Bytes += int64(n)
	s.stateMu.Unlock()
	if err != nil {
		s.fail(err)
		return runerr.Partition(errors.Wrapf(err, "write %s", meta.Name), "write")
	}
	return nil
}

// fail marks the open partition failed and releases it in the background.
func (s *Splitter) fail(cause error) {
	p := s.cur
	s.cur = nil
	s.setState(p.meta, StateFailed, cause)
	s.closers.Go(func() error {
		_ = p.sink.Close()
		return nil
	})
}

// finalize completes the open partition's framing and hands the close of its
// underlying writer to a background goroutine.
func (s *Splitter) finalize() error {
	p := s.cur
	if p == nil {
		return nil
	}
	tail, err := p.enc.Finish()
	if err != nil {
		s.fail(err)
		return runerr.Partition(errors.Wrapf(err, "finish %s", p.meta.Name), "finalize")
	}
	if err := s.emit(tail); err != nil {
		return err
	}
	if p.gz != nil {
		if err := p.gz.Close(); err != nil {
			s.fail(err)
			return runerr.Partition(errors.Wrapf(err, "compress %s", p.meta.Name), "finalize")
		}
	}
	s.cur = nil
	s.setState(p.meta, StateClosing, nil)
	s.closers.Go(func() error {
		if err := p.sink.Close(); err != nil {
			s.setState(p.meta, StateFailed, err)
			return err
		}
		s.setState(p.meta, StateFlushed, nil)
		logging.Logf(logging.Debug, "Splitter: partition %d flushed (%s, %d rows)", p.meta.Ordinal, p.meta.Name, p.meta.Rows)
		return nil
	})
	return nil
}

func (s *Splitter) setState(p *Partition, st State, err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	p.State = st
	if err != nil && p.Err == nil {
		p.Err = err
	}
}

// Close finalizes the open partition, if any. The next write opens a new one.
func (s *Splitter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalize()
}

// EnsureFinished closes the open partition, waits until every partition has
// reached a terminal state and returns the failures of all partitions that
// did not flush.
func (s *Splitter) EnsureFinished(context.Context) error {
	s.mu.Lock()
	// A failing finalize marks its partition failed; it is reported below.
	_ = s.finalize()
	s.finished = true
	s.mu.Unlock()

	_ = s.closers.Wait()

	var errs []error
	s.stateMu.Lock()
	for _, p := range s.parts {
		if p.State == StateFailed {
			errs = append(errs, errors.Wrapf(p.Err, "partition %s", p.Name))
		}
	}
	s.stateMu.Unlock()
	if len(errs) == 0 {
		return nil
	}
	return runerr.Partition(errors.Join(errs...), "ensure finished")
}

// Partitions returns a snapshot of every partition opened so far.
func (s *Splitter) Partitions() []Partition {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	out := make([]Partition, len(s.parts))
	for i, p := range s.parts {
		out[i] = *p
	}
	return out
}
