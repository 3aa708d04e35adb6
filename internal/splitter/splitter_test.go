package splitter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpump/internal/record"
	"docpump/internal/runerr"
)

// lineFormat is a minimal NDJSON format for exercising the splitter.
type lineFormat struct{ streaming bool }

func (lineFormat) Name() string              { return "lines" }
func (lineFormat) Ext() string               { return ".ndjson" }
func (lineFormat) ContentType() string       { return "application/x-ndjson" }
func (f lineFormat) Streaming() bool         { return f.streaming }
func (lineFormat) NewEncoder() RecordEncoder { return &lineEncoder{} }

type lineEncoder struct{}

func (*lineEncoder) Encode(r record.Record) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (*lineEncoder) Overhead() int           { return 0 }
func (*lineEncoder) Finish() ([]byte, error) { return nil, nil }

func records(n int) []record.Record {
	out := make([]record.Record, n)
	for i := range out {
		out[i] = record.Record{Index: "idx", ID: fmt.Sprint(i), Source: map[string]interface{}{"n": float64(i), "pad": "xxxxxxxxxx"}}
	}
	return out
}

func readLines(t *testing.T, r io.Reader) []record.Record {
	t.Helper()
	var out []record.Record
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var rec record.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestPartitionName(t *testing.T) {
	tests := []struct {
		base     string
		n        int
		compress bool
		want     string
	}{
		{"/out/data.json", 0, false, "/out/data.split-0.json"},
		{"/out/data.json", 12, true, "/out/data.split-12.json.gz"},
		{"/out/data.json.gz", 1, true, "/out/data.split-1.json.gz"},
		{"data", 3, false, "data.split-3"},
		{"bucket.v1/dump.ndjson", 2, false, "bucket.v1/dump.split-2.ndjson"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, PartitionName(tt.base, tt.n, tt.compress))
		})
	}
	assert.Equal(t, "a.json.gz", SingleName("a.json", true))
	assert.Equal(t, "a.json.gz", SingleName("a.json.gz", true))
	assert.Equal(t, "a.json", SingleName("a.json", false))
}

func TestConfigValidate(t *testing.T) {
	base := Config{Base: "x", Format: lineFormat{streaming: true}, Opener: FileOpener{}}
	require.NoError(t, base.Validate())

	both := base
	both.FileSize, both.MaxRows = 10, 10
	assert.Error(t, both.Validate())

	nonStreaming := base
	nonStreaming.Format = lineFormat{}
	nonStreaming.FileSize = 100
	assert.Error(t, nonStreaming.Validate())
	nonStreaming.FileSize, nonStreaming.MaxRows = 0, 5
	assert.NoError(t, nonStreaming.Validate())

	_, err := New(Config{})
	require.Error(t, err)
	assert.Equal(t, runerr.KindValidation, runerr.KindOf(err))
}

func TestSingleFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "out.ndjson")
	s, err := New(Config{Base: base, Format: lineFormat{streaming: true}, Opener: FileOpener{}})
	require.NoError(t, err)

	in := records(25)
	n, err := s.Write(context.Background(), in[:10])
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	_, err = s.Write(context.Background(), in[10:])
	require.NoError(t, err)
	require.NoError(t, s.EnsureFinished(context.Background()))

	parts := s.Partitions()
	require.Len(t, parts, 1)
	assert.Equal(t, base, parts[0].Name)
	assert.Equal(t, 25, parts[0].Rows)
	assert.Equal(t, StateFlushed, parts[0].State)

	f, err := os.Open(base)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, in, readLines(t, f))
}

func TestMaxRows(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "out.ndjson")
	s, err := New(Config{Base: base, MaxRows: 10, Format: lineFormat{}, Opener: FileOpener{}})
	require.NoError(t, err)

	_, err = s.Write(context.Background(), records(25))
	require.NoError(t, err)
	require.NoError(t, s.EnsureFinished(context.Background()))

	parts := s.Partitions()
	require.Len(t, parts, 3)
	for i, p := range parts {
		assert.Equal(t, i, p.Ordinal)
		assert.Equal(t, PartitionName(base, i, false), p.Name)
		assert.Equal(t, StateFlushed, p.State)
	}
	assert.Equal(t, []int{10, 10, 5}, []int{parts[0].Rows, parts[1].Rows, parts[2].Rows})
}

// Scenario: a byte threshold smaller than one batch yields several partitions,
// each within the threshold but the last, all flushed, and their contents in
// partition order reproduce the input.
func TestFileSizeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "dump.ndjson")
	in := records(40)

	var one bytes.Buffer
	line, err := (&lineEncoder{}).Encode(in[0])
	require.NoError(t, err)
	one.Write(line)
	threshold := int64(one.Len() * 7)

	s, err := New(Config{Base: base, FileSize: threshold, Format: lineFormat{streaming: true}, Opener: FileOpener{}})
	require.NoError(t, err)
	for i := 0; i < len(in); i += 15 {
		end := min(i+15, len(in))
		_, err := s.Write(context.Background(), in[i:end])
		require.NoError(t, err)
	}
	require.NoError(t, s.EnsureFinished(context.Background()))

	parts := s.Partitions()
	require.Greater(t, len(parts), 1)

	var got []record.Record
	for i, p := range parts {
		assert.Equal(t, StateFlushed, p.State)
		info, err := os.Stat(p.Name)
		require.NoError(t, err)
		if i < len(parts)-1 {
			assert.LessOrEqual(t, info.Size(), threshold, "partition %s", p.Name)
		}
		assert.Equal(t, p.Bytes, info.Size())
		f, err := os.Open(p.Name)
		require.NoError(t, err)
		got = append(got, readLines(t, f)...)
		f.Close()
	}
	assert.Equal(t, in, got)
}

func TestCompressedPartitions(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "dump.ndjson")
	in := records(12)
	s, err := New(Config{Base: base, MaxRows: 5, Compress: true, Format: lineFormat{}, Opener: FileOpener{}})
	require.NoError(t, err)
	_, err = s.Write(context.Background(), in)
	require.NoError(t, err)
	require.NoError(t, s.EnsureFinished(context.Background()))

	var got []record.Record
	for i, p := range s.Partitions() {
		assert.Equal(t, filepath.Join(dir, fmt.Sprintf("dump.split-%d.ndjson.gz", i)), p.Name)
		f, err := os.Open(p.Name)
		require.NoError(t, err)
		zr, err := gzip.NewReader(f)
		require.NoError(t, err)
		got = append(got, readLines(t, zr)...)
		f.Close()
	}
	assert.Equal(t, in, got)
}

func TestCloseSentinelRollsPartition(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Base: filepath.Join(dir, "x.ndjson"), MaxRows: 100, Format: lineFormat{}, Opener: FileOpener{}})
	require.NoError(t, err)
	_, err = s.Write(context.Background(), records(3))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Write(context.Background(), records(2))
	require.NoError(t, err)
	require.NoError(t, s.EnsureFinished(context.Background()))

	parts := s.Partitions()
	require.Len(t, parts, 2)
	assert.Equal(t, 3, parts[0].Rows)
	assert.Equal(t, 2, parts[1].Rows)

	_, err = s.Write(context.Background(), records(1))
	assert.True(t, runerr.Is(err, runerr.KindPartition), "writes after finish are rejected")
}

// memUploader stores uploads in memory; names listed in fail are rejected.
type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    map[string]bool
}

func (m *memUploader) Upload(_ context.Context, name string, r io.Reader) error {
	if m.fail[name] {
		return errors.New("access denied")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[name] = b
	return nil
}

func TestObjectOpenerUploadsEveryPartition(t *testing.T) {
	up := &memUploader{}
	in := records(9)
	s, err := New(Config{Base: "exports/run.ndjson", MaxRows: 4, Format: lineFormat{}, Opener: ObjectOpener{Uploader: up}})
	require.NoError(t, err)
	_, err = s.Write(context.Background(), in)
	require.NoError(t, err)
	require.NoError(t, s.EnsureFinished(context.Background()))

	require.Len(t, up.objects, 3)
	var got []record.Record
	for i := 0; i < 3; i++ {
		body, ok := up.objects[PartitionName("exports/run.ndjson", i, false)]
		require.True(t, ok)
		got = append(got, readLines(t, bytes.NewReader(body))...)
	}
	assert.Equal(t, in, got)
}

func TestFailedUploadSurfacesAtFinish(t *testing.T) {
	up := &memUploader{fail: map[string]bool{"run.split-1.ndjson": true}}
	s, err := New(Config{Base: "run.ndjson", MaxRows: 2, Format: lineFormat{}, Opener: ObjectOpener{Uploader: up}})
	require.NoError(t, err)

	// The failing upload may surface while writing partition 1 or only at
	// finish, but it must never be lost.
	_, writeErr := s.Write(context.Background(), records(5))
	finishErr := s.EnsureFinished(context.Background())
	require.Error(t, finishErr)
	assert.Equal(t, runerr.KindPartition, runerr.KindOf(finishErr))
	assert.Contains(t, finishErr.Error(), "run.split-1.ndjson")
	if writeErr != nil {
		assert.True(t, runerr.Is(writeErr, runerr.KindPartition))
	}

	var failed int
	for _, p := range s.Partitions() {
		assert.NotEqual(t, StateOpen, p.State)
		assert.NotEqual(t, StateClosing, p.State)
		if p.State == StateFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestWriterOpener(t *testing.T) {
	var buf bytes.Buffer
	s, err := New(Config{Base: "-", Format: lineFormat{streaming: true}, Opener: WriterOpener{W: &buf}})
	require.NoError(t, err)
	_, err = s.Write(context.Background(), records(3))
	require.NoError(t, err)
	require.NoError(t, s.EnsureFinished(context.Background()))
	assert.Len(t, readLines(t, &buf), 3)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "flushed", StateFlushed.String())
	assert.Equal(t, "unknown", State(42).String())
}
