package io

import (
	"bufio"
	"context"
	stdio "io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"docpump/internal/cursor"
	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/runerr"
	"docpump/internal/splitter"
)

// Standard streams, replaceable in tests.
var (
	stdin  stdio.Reader = os.Stdin
	stdout stdio.Writer = os.Stdout
)

// filePath strips a file:// scheme from a locator.
func filePath(locator string) string {
	if strings.HasPrefix(strings.ToLower(locator), "file://") {
		if u, err := url.Parse(locator); err == nil && u.Path != "" {
			return u.Path
		}
		return locator[len("file://"):]
	}
	return locator
}

// --- paged source ---

// pagedSource adapts a cursor to the Source contract. afterPage, when set,
// runs on every non-empty page before it is returned.
type pagedSource struct {
	pager     cursor.Pager
	afterPage func(ctx context.Context, recs []record.Record) error
	closers   []func(ctx context.Context) error
	closed    bool
}

func (s *pagedSource) Fetch(ctx context.Context, limit, _ int) ([]record.Record, error) {
	recs, _, err := s.pager.NextPage(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 && s.afterPage != nil {
		if err := s.afterPage(ctx, recs); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (s *pagedSource) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if err := s.pager.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, c := range s.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --- stream reader ---

// streamReader pages over a sequential byte stream. The offset it is asked
// for must never be behind the records already consumed, since a stream
// cannot rewind; records ahead of it are discarded.
type streamReader struct {
	name   string
	format string
	opts   FormatOptions
	open   func(ctx context.Context) (stdio.ReadCloser, error)

	rc       stdio.ReadCloser
	gz       stdio.Closer
	dec      recordDecoder
	consumed int
	eof      bool
}

func (s *streamReader) init(ctx context.Context) error {
	rc, err := s.open(ctx)
	if err != nil {
		return runerr.Read(errors.Wrapf(err, "open %s", s.name), "open input")
	}
	r, gz, err := maybeGunzip(rc)
	if err != nil {
		_ = rc.Close()
		return runerr.Parse(errors.Wrapf(err, "read %s", s.name), "open input", runerr.KindRead)
	}
	dec, err := newDecoder(s.format, r, s.opts)
	if err != nil {
		_ = rc.Close()
		return runerr.Parse(errors.Wrapf(err, "read %s", s.name), "open input", runerr.KindRead)
	}
	s.rc, s.gz, s.dec = rc, gz, dec
	logging.Logf(logging.Debug, "Opened %s input %s", s.format, s.name)
	return nil
}

// FetchOffset implements cursor.OffsetFetcher.
func (s *streamReader) FetchOffset(ctx context.Context, limit, offset int) ([]record.Record, error) {
	if s.eof {
		return nil, nil
	}
	if s.dec == nil {
		if err := s.init(ctx); err != nil {
			return nil, err
		}
	}
	if offset < s.consumed {
		return nil, runerr.Readf("stream read", "cannot rewind %s from record %d to %d", s.name, s.consumed, offset)
	}
	for s.consumed < offset {
		if _, err := s.next(); err != nil {
			if errors.Is(err, stdio.EOF) {
				return nil, nil
			}
			return nil, err
		}
	}
	out := make([]record.Record, 0, limit)
	for len(out) < limit {
		r, err := s.next()
		if errors.Is(err, stdio.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *streamReader) next() (record.Record, error) {
	r, err := s.dec.Next()
	if err != nil {
		if errors.Is(err, stdio.EOF) {
			s.eof = true
			return r, stdio.EOF
		}
		return r, runerr.Parse(errors.Wrapf(err, "%s record %d", s.name, s.consumed+1), "decode input", runerr.KindRead)
	}
	s.consumed++
	return r, nil
}

func (s *streamReader) Close(context.Context) error {
	var errs []error
	if s.gz != nil {
		errs = append(errs, s.gz.Close())
	}
	if s.rc != nil {
		errs = append(errs, s.rc.Close())
	}
	s.gz, s.rc = nil, nil
	return errors.Join(errs...)
}

// newStreamSource builds a source over a lazily opened stream.
func newStreamSource(name, format string, opts FormatOptions, start, skip int, open func(context.Context) (stdio.ReadCloser, error)) *pagedSource {
	reader := &streamReader{name: name, format: format, opts: opts, open: open}
	return &pagedSource{
		pager:   cursor.WithSkip(cursor.NewOffset(reader, start), skip),
		closers: []func(context.Context) error{reader.Close},
	}
}

func openLocalFile(path string) func(context.Context) (stdio.ReadCloser, error) {
	return func(context.Context) (stdio.ReadCloser, error) {
		return os.Open(path)
	}
}

func openStdin(context.Context) (stdio.ReadCloser, error) {
	return stdio.NopCloser(stdin), nil
}

// --- splitter sink ---

// splitSink writes through a StreamSplitter. Writes are serialized so that
// partitions receive records in page order.
type splitSink struct {
	sp   *splitter.Splitter
	name string
}

func (s *splitSink) Serial() {}

func (s *splitSink) Write(ctx context.Context, records []record.Record, _, _ int) (record.WriteOutcome, error) {
	if len(records) == 0 {
		if err := s.sp.EnsureFinished(ctx); err != nil {
			return record.WriteOutcome{}, err
		}
		parts := s.sp.Partitions()
		logging.Logf(logging.Info, "Output %s finished: %d partition(s)", s.name, len(parts))
		return record.WriteOutcome{}, nil
	}
	n, err := s.sp.Write(ctx, records)
	if err != nil {
		return record.WriteOutcome{Writes: n}, err
	}
	return record.WriteOutcome{Writes: n}, nil
}

func (s *splitSink) Partitions() []splitter.Partition { return s.sp.Partitions() }

// withExt appends the format's extension when base has none.
func withExt(base string, f splitter.Format) string {
	trimmed := strings.TrimSuffix(base, ".gz")
	if filepath.Ext(trimmed) == "" && trimmed != "-" {
		if strings.HasSuffix(base, ".gz") {
			return trimmed + f.Ext() + ".gz"
		}
		return base + f.Ext()
	}
	return base
}

func newSplitSink(name string, cfg splitter.Config) (*splitSink, error) {
	sp, err := splitter.New(cfg)
	if err != nil {
		return nil, err
	}
	return &splitSink{sp: sp, name: name}, nil
}

// stdoutOpener buffers stdout for the single partition of a "-" output.
func stdoutOpener() splitter.PartitionOpener {
	return splitter.WriterOpener{W: bufio.NewWriterSize(stdout, 64*1024)}
}
