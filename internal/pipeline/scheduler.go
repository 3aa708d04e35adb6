// Package pipeline drives a run: one sequential reader feeding a bounded
// prefetch buffer, and a bounded pool of batch writes.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"docpump/internal/io"
	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/runerr"
	"docpump/internal/splitter"
)

const (
	defaultLimit = 100

	minPrefetch            = 5
	maxPrefetchConcurrency = 20
)

// errWriteAborted stops the consumer once the write pool has failed; the
// pool's own error replaces it.
var errWriteAborted = errors.New("write pool aborted")

// Options configures a Scheduler.
type Options struct {
	// Limit is the page size of every read.
	Limit int
	// Offset is the first read offset.
	Offset int
	// Concurrency bounds in-flight writes. Zero or less is unbounded.
	Concurrency int
	// IgnoreErrors suppresses write failures other than partition failures.
	IgnoreErrors bool
	// ThrottleInterval is slept after each batch is handed to the pool.
	ThrottleInterval time.Duration
	Processor        Processor
	Observer         Observer
}

// Result carries the totals of a run. It is valid even when the run failed.
type Result struct {
	TotalWrites int
	TotalRead   int
	FinalOffset int
	Batches     int
	Suppressed  int
	Filtered    int
	Partitions  []splitter.Partition
}

// PrefetchCapacity is the number of pages the reader may hold ahead of the
// consumer.
func PrefetchCapacity(concurrency int) int {
	c := concurrency
	if c <= 0 || c > maxPrefetchConcurrency {
		c = maxPrefetchConcurrency
	}
	if 2*c < minPrefetch {
		return minPrefetch
	}
	return 2 * c
}

// Scheduler moves every record from a Source to a Sink.
type Scheduler struct {
	src  io.Source
	sink io.Sink
	opts Options
	obs  Observer

	mu         sync.Mutex
	writes     int
	suppressed int
}

type page struct {
	batch record.Batch
	err   error
}

// New returns a Scheduler. Missing options get defaults.
func New(src io.Source, sink io.Sink, opts Options) *Scheduler {
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Processor == nil {
		opts.Processor = NewProcessor(nil, nil)
	}
	if opts.Observer == nil {
		opts.Observer = LogObserver{}
	}
	return &Scheduler{src: src, sink: sink, opts: opts, obs: opts.Observer}
}

// poolSize is the write pool limit; -1 means unbounded.
func (s *Scheduler) poolSize() int {
	if _, ok := s.sink.(io.SerialSink); ok {
		return 1
	}
	if s.opts.Concurrency <= 0 {
		return -1
	}
	return s.opts.Concurrency
}

// Run reads until the source returns an empty page, writes every batch,
// and finally sends the terminal empty write. ctx is checked between
// iterations only; calls already issued run to completion.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	detached := context.WithoutCancel(ctx)

	pages := make(chan page, PrefetchCapacity(s.opts.Concurrency))
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop(detached, pages, stop)
	}()

	pool, poolCtx := errgroup.WithContext(detached)
	pool.SetLimit(s.poolSize())

	res := Result{FinalOffset: s.opts.Offset}
	runErr := s.consume(ctx, pages, pool, poolCtx, &res)

	close(stop)
	waitErr := pool.Wait()
	if runErr == nil || errors.Is(runErr, errWriteAborted) {
		runErr = waitErr
	}
	<-readerDone

	if err := s.finish(detached, res.FinalOffset); err != nil {
		if runErr == nil {
			runErr = err
		} else {
			logging.Logf(logging.Error, "Finalizing output after failure: %v", err)
		}
	}
	if err := s.src.Close(detached); err != nil {
		s.obs.OnWarning(fmt.Sprintf("Failed to release source: %v", err))
	}

	s.mu.Lock()
	res.TotalWrites = s.writes
	res.Suppressed = s.suppressed
	s.mu.Unlock()
	if pr, ok := s.sink.(io.PartitionReporter); ok {
		res.Partitions = pr.Partitions()
	}
	return res, runErr
}

// readLoop fetches pages strictly in order until an empty page, an error or
// stop. Offsets advance by the page size; sources that track their own
// position ignore them.
func (s *Scheduler) readLoop(ctx context.Context, out chan<- page, stop <-chan struct{}) {
	defer close(out)
	offset := s.opts.Offset
	for {
		select {
		case <-stop:
			return
		default:
		}
		recs, err := s.src.Fetch(ctx, s.opts.Limit, offset)
		p := page{batch: record.Batch{Records: recs, Offset: offset}, err: err}
		select {
		case out <- p:
		case <-stop:
			return
		}
		if err != nil || len(recs) == 0 {
			return
		}
		offset += s.opts.Limit
	}
}

// consume is the only goroutine that touches res.
func (s *Scheduler) consume(ctx context.Context, pages <-chan page, pool *errgroup.Group, poolCtx context.Context, res *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			s.obs.OnWarning(fmt.Sprintf("Run cancelled at offset %d", res.FinalOffset))
			return errors.Wrap(err, "run cancelled")
		}
		if poolCtx.Err() != nil {
			return errWriteAborted
		}

		var p page
		var ok bool
		select {
		case <-ctx.Done():
			continue
		case <-poolCtx.Done():
			return errWriteAborted
		case p, ok = <-pages:
		}
		if !ok {
			return runerr.Readf("read", "reader stopped before the end of the stream")
		}
		if p.err != nil {
			logging.Logf(logging.Error, "Read at offset %d failed: %v", p.batch.Offset, p.err)
			if runerr.KindOf(p.err) == runerr.KindUnknown {
				return runerr.Read(p.err, "read")
			}
			return p.err
		}

		n := p.batch.Len()
		if n == 0 {
			s.obs.OnDebug(fmt.Sprintf("End of stream after %d record(s)", res.TotalRead))
			return nil
		}
		res.Batches++
		res.TotalRead += n
		res.FinalOffset += n
		s.obs.OnDebug(fmt.Sprintf("Got %d objects from source (offset: %d)", n, p.batch.Offset))

		kept, dropped, err := s.opts.Processor.Process(p.batch.Records)
		res.Filtered += dropped
		switch {
		case err != nil:
			if fatal := s.writeFailed(err, p.batch, 0); fatal != nil {
				return fatal
			}
		case len(kept) > 0:
			batch := record.Batch{Records: kept, Offset: p.batch.Offset}
			pool.Go(func() error {
				if poolCtx.Err() != nil {
					return nil
				}
				return s.write(poolCtx, batch)
			})
		}

		if s.opts.ThrottleInterval > 0 {
			t := time.NewTimer(s.opts.ThrottleInterval)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
	}
}

func (s *Scheduler) write(ctx context.Context, b record.Batch) error {
	out, err := s.sink.Write(context.WithoutCancel(ctx), b.Records, s.opts.Limit, b.Offset)
	// A failed write may still have landed part of the batch.
	s.mu.Lock()
	s.writes += out.Writes
	s.suppressed += out.Suppressed
	s.mu.Unlock()
	if err != nil {
		return s.writeFailed(err, b, out.Writes+out.Suppressed)
	}
	s.obs.OnDebug(fmt.Sprintf("Sent %d objects to destination, wrote %d", b.Len(), out.Writes))
	return nil
}

// finish sends the end-of-stream signal and waits for the sink to settle.
func (s *Scheduler) finish(ctx context.Context, offset int) error {
	if _, err := s.sink.Write(ctx, nil, s.opts.Limit, offset); err != nil {
		return s.writeFailed(err, record.Batch{Offset: offset}, 0)
	}
	return nil
}

// writeFailed applies the error policy to a failed batch of which settled
// records were already accounted for. It returns nil when the failure is
// suppressed. Partition failures are never suppressed.
func (s *Scheduler) writeFailed(err error, b record.Batch, settled int) error {
	if runerr.KindOf(err) == runerr.KindUnknown {
		err = runerr.Write(err, "write")
	}
	if !s.opts.IgnoreErrors || runerr.Is(err, runerr.KindPartition) {
		logging.Logf(logging.Error, "Write of %d record(s) at offset %d failed: %v", b.Len(), b.Offset, err)
		return err
	}
	lost := b.Len() - settled
	if lost < 0 {
		lost = 0
	}
	s.mu.Lock()
	s.suppressed += lost
	s.mu.Unlock()
	s.obs.OnWarning(fmt.Sprintf("Write of %d record(s) at offset %d failed and was ignored: %v", lost, b.Offset, err))
	return nil
}
