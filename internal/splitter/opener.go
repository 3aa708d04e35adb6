package splitter

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// PartitionOpener creates the physical output for one partition. Closing the
// returned writer must block until the partition is durable (flushed to disk
// or fully uploaded) and report any failure to get there.
type PartitionOpener interface {
	Open(ctx context.Context, name string) (io.WriteCloser, error)
}

// FileOpener writes partitions as local files, creating parent directories.
type FileOpener struct{}

func (FileOpener) Open(_ context.Context, name string) (io.WriteCloser, error) {
	if dir := filepath.Dir(name); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create directory for %s", name)
		}
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", name)
	}
	return &bufferedFile{f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

type bufferedFile struct {
	f *os.File
	w *bufio.Writer
}

func (b *bufferedFile) Write(p []byte) (int, error) { return b.w.Write(p) }

func (b *bufferedFile) Close() error {
	flushErr := b.w.Flush()
	syncErr := b.f.Sync()
	closeErr := b.f.Close()
	if flushErr != nil {
		return errors.Wrapf(flushErr, "flush %s", b.f.Name())
	}
	if syncErr != nil {
		return errors.Wrapf(syncErr, "sync %s", b.f.Name())
	}
	return errors.Wrapf(closeErr, "close %s", b.f.Name())
}

// WriterOpener sends the single partition to an existing writer such as
// stdout. Closing the partition does not close the writer.
type WriterOpener struct {
	W io.Writer
}

func (o WriterOpener) Open(context.Context, string) (io.WriteCloser, error) {
	return nopCloser{o.W}, nil
}

type nopCloser struct{ io.Writer }

func (n nopCloser) Close() error {
	if f, ok := n.Writer.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Uploader stores a stream as one object.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) error
}

// ObjectOpener streams each partition into an object through a pipe. The
// upload runs in its own goroutine; Close waits for it to finish.
type ObjectOpener struct {
	Uploader Uploader
}

func (o ObjectOpener) Open(ctx context.Context, name string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	uploadCtx := context.WithoutCancel(ctx)
	go func() {
		err := o.Uploader.Upload(uploadCtx, name, pr)
		if err != nil {
			pr.CloseWithError(err)
		} else {
			// Drain anything the uploader left unread so writers never block.
			_, _ = io.Copy(io.Discard, pr)
		}
		done <- err
	}()
	return &pipePartition{name: name, pw: pw, done: done}, nil
}

type pipePartition struct {
	name string
	pw   *io.PipeWriter
	done chan error
}

func (p *pipePartition) Write(b []byte) (int, error) { return p.pw.Write(b) }

func (p *pipePartition) Close() error {
	_ = p.pw.Close()
	if err := <-p.done; err != nil {
		return errors.Wrapf(err, "upload %s", p.name)
	}
	return nil
}
