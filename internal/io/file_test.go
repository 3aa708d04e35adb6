package io

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpump/internal/config"
	"docpump/internal/record"
	"docpump/internal/runerr"
)

// createTempFile writes content to a new file in a per-test directory.
func createTempFile(t *testing.T, content, pattern string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), pattern)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func people(n int) []record.Record {
	recs := make([]record.Record, n)
	for i := range recs {
		recs[i] = record.Record{
			Index:  "people",
			ID:     fmt.Sprint(i),
			Source: map[string]interface{}{"name": fmt.Sprintf("p%d", i), "age": float64(20 + i)},
		}
	}
	return recs
}

func fileSinkConfig(output, format string) *config.RunConfig {
	return &config.RunConfig{
		Type:  config.KindData,
		Limit: 100,
		Destination: config.DestinationConfig{
			Output:    output,
			Format:    format,
			Delimiter: ",",
			SheetName: config.DefaultSheetName,
		},
	}
}

func fileSourceConfig(input, format string) *config.RunConfig {
	return &config.RunConfig{
		Type:   config.KindData,
		Limit:  100,
		Source: config.SourceConfig{Input: input, Format: format, Delimiter: ","},
	}
}

// writeAll sends recs in pages of limit, then the terminal write.
func writeAll(t *testing.T, sink Sink, recs []record.Record, limit int) int {
	t.Helper()
	total := 0
	for off := 0; off < len(recs); off += limit {
		end := off + limit
		if end > len(recs) {
			end = len(recs)
		}
		out, err := sink.Write(context.Background(), recs[off:end], limit, off)
		require.NoError(t, err)
		total += out.Writes
	}
	_, err := sink.Write(context.Background(), nil, limit, len(recs))
	require.NoError(t, err)
	return total
}

func readAll(t *testing.T, src Source, limit int) []record.Record {
	t.Helper()
	var out []record.Record
	for i := 0; i < 1000; i++ {
		recs, err := src.Fetch(context.Background(), limit, len(out))
		require.NoError(t, err)
		if len(recs) == 0 {
			require.NoError(t, src.Close(context.Background()))
			return out
		}
		out = append(out, recs...)
	}
	t.Fatal("source never ended")
	return nil
}

func ids(recs []record.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestFileSource_Formats(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pattern string
		format  string
		wantIDs []string
		check   func(t *testing.T, recs []record.Record)
	}{
		{
			name:    "ndjson hits",
			content: `{"_index":"a","_id":"1","_source":{"n":1}}` + "\n\n" + `{"_index":"a","_id":"2","_source":{"n":2}}` + "\n",
			pattern: "*.ndjson",
			format:  config.FormatNDJSON,
			wantIDs: []string{"1", "2"},
			check: func(t *testing.T, recs []record.Record) {
				assert.Equal(t, "a", recs[0].Index)
				assert.Equal(t, float64(2), recs[1].Source["n"])
			},
		},
		{
			name:    "json array",
			content: "[\n" + `{"_id":"x","_source":{"k":"v"}}` + ",\n" + `{"_id":"y","_source":{"k":"w"}}` + "\n]\n",
			pattern: "*.json",
			format:  config.FormatJSON,
			wantIDs: []string{"x", "y"},
		},
		{
			name:    "empty json array",
			content: "[]\n",
			pattern: "*.json",
			format:  config.FormatJSON,
			wantIDs: nil,
		},
		{
			name:    "empty file",
			content: "",
			pattern: "*.ndjson",
			format:  config.FormatNDJSON,
			wantIDs: nil,
		},
		{
			name:    "csv with identity columns",
			content: "_id,name,city\n1,Ann,Oslo\n2,Bob\n3,Cy,Rome\n",
			pattern: "*.csv",
			format:  config.FormatCSV,
			wantIDs: []string{"1", "3"},
			check: func(t *testing.T, recs []record.Record) {
				assert.Equal(t, map[string]interface{}{"name": "Ann", "city": "Oslo"}, recs[0].Source)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := createTempFile(t, tt.content, tt.pattern)
			src, err := NewSource(context.Background(), fileSourceConfig(path, tt.format))
			require.NoError(t, err)

			recs := readAll(t, src, 1)
			if tt.wantIDs == nil {
				assert.Empty(t, recs)
				return
			}
			assert.Equal(t, tt.wantIDs, ids(recs))
			if tt.check != nil {
				tt.check(t, recs)
			}
		})
	}
}

func TestFileSource_OffsetAndSkip(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&sb, `{"_id":"%d","_source":{}}`+"\n", i)
	}
	path := createTempFile(t, sb.String(), "*.ndjson")
	cfg := fileSourceConfig("file://"+path, config.FormatNDJSON)
	cfg.Offset = 1
	cfg.Skip = 2

	src, err := NewSource(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4", "5"}, ids(readAll(t, src, 2)))
}

func TestFileSource_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"_id":"1","_source":{"a":true}}` + "\n" + `{"_id":"2","_source":{"a":false}}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	path := createTempFile(t, buf.String(), "*.ndjson.gz")

	src, err := NewSource(context.Background(), fileSourceConfig(path, config.FormatNDJSON))
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids(readAll(t, src, 10)))
}

func TestFileSource_Errors(t *testing.T) {
	t.Run("missing file is a read error", func(t *testing.T) {
		src, err := NewSource(context.Background(), fileSourceConfig(filepath.Join(t.TempDir(), "nope.ndjson"), config.FormatNDJSON))
		require.NoError(t, err)
		_, err = src.Fetch(context.Background(), 10, 0)
		require.Error(t, err)
		assert.True(t, runerr.Is(err, runerr.KindRead))
	})

	t.Run("malformed record is a parse error in the read phase", func(t *testing.T) {
		path := createTempFile(t, `{"_id":"1","_source":{}}`+"\n{broken\n", "*.ndjson")
		src, err := NewSource(context.Background(), fileSourceConfig(path, config.FormatNDJSON))
		require.NoError(t, err)
		_, err = src.Fetch(context.Background(), 10, 0)
		require.Error(t, err)
		assert.Equal(t, runerr.KindParse, runerr.KindOf(err))
		assert.Equal(t, runerr.KindRead, runerr.Effective(err))
	})

	t.Run("stream cannot rewind", func(t *testing.T) {
		path := createTempFile(t, `{"_id":"1"}`+"\n"+`{"_id":"2"}`+"\n", "*.ndjson")
		reader := &streamReader{name: path, format: config.FormatNDJSON, open: openLocalFile(path)}
		t.Cleanup(func() { _ = reader.Close(context.Background()) })

		_, err := reader.FetchOffset(context.Background(), 2, 0)
		require.NoError(t, err)
		_, err = reader.FetchOffset(context.Background(), 2, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot rewind")
	})
}

func TestStdinSource(t *testing.T) {
	orig := stdin
	stdin = strings.NewReader(`{"_id":"a"}` + "\n" + `{"_id":"b"}` + "\n")
	t.Cleanup(func() { stdin = orig })

	src, err := NewSource(context.Background(), fileSourceConfig("-", config.FormatNDJSON))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(readAll(t, src, 1)))
}

func TestFileSink_PartitionsByRows(t *testing.T) {
	dir := t.TempDir()
	cfg := fileSinkConfig(filepath.Join(dir, "out.ndjson"), config.FormatNDJSON)
	cfg.Destination.MaxRows = 2

	sink, err := NewSink(context.Background(), cfg)
	require.NoError(t, err)
	_, serial := sink.(SerialSink)
	assert.True(t, serial, "file sinks must be serial")

	assert.Equal(t, 5, writeAll(t, sink, people(5), 2))

	parts := sink.(PartitionReporter).Partitions()
	require.Len(t, parts, 3)
	wantRows := []int{2, 2, 1}
	for i, p := range parts {
		assert.Equal(t, filepath.Join(dir, fmt.Sprintf("out.split-%d.ndjson", i)), p.Name)
		assert.Equal(t, wantRows[i], p.Rows)

		data, err := os.ReadFile(p.Name)
		require.NoError(t, err)
		assert.Equal(t, wantRows[i], strings.Count(string(data), "\n"))
	}
}

func TestFileSink_RoundTrips(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		format   string
		compress bool
	}{
		{"json array", "out.json", config.FormatJSON, false},
		{"ndjson gzip", "out.ndjson", config.FormatNDJSON, true},
		{"csv", "out.csv", config.FormatCSV, false},
		{"xlsx", "out.xlsx", config.FormatXLSX, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), tt.file)
			cfg := fileSinkConfig(out, tt.format)
			cfg.Destination.Compress = tt.compress

			sink, err := NewSink(context.Background(), cfg)
			require.NoError(t, err)
			recs := people(3)
			assert.Equal(t, 3, writeAll(t, sink, recs, 2))

			if tt.compress {
				out += ".gz"
			}
			_, err = os.Stat(out)
			require.NoError(t, err, "single partition keeps the base name")

			src, err := NewSource(context.Background(), fileSourceConfig(out, tt.format))
			require.NoError(t, err)
			got := readAll(t, src, 10)
			require.Len(t, got, 3)
			for i, r := range got {
				assert.Equal(t, fmt.Sprintf("p%d", i), r.Source["name"])
			}
		})
	}
}

func TestFileSink_CSVHeader(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.csv")
	sink, err := NewSink(context.Background(), fileSinkConfig(out, config.FormatCSV))
	require.NoError(t, err)

	recs := []record.Record{
		{ID: "1", Source: map[string]interface{}{"b": "x", "a": 1.5, "tags": []interface{}{"t1"}}},
		{ID: "2", Source: map[string]interface{}{"b": "y", "extra": "dropped"}},
	}
	writeAll(t, sink, recs, 10)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "a,b,tags\n1.5,x,\"[\"\"t1\"\"]\"\n,y,\n", string(data))
}

func TestFileSink_EmptyJSONArray(t *testing.T) {
	out := filepath.Join(t.TempDir(), "empty.json")
	sink, err := NewSink(context.Background(), fileSinkConfig(out, config.FormatJSON))
	require.NoError(t, err)
	writeAll(t, sink, nil, 10)

	parts := sink.(PartitionReporter).Partitions()
	assert.Empty(t, parts, "no partition is opened without records")
}

func TestStdoutSink(t *testing.T) {
	var buf bytes.Buffer
	orig := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = orig })

	sink, err := NewSink(context.Background(), fileSinkConfig("-", config.FormatNDJSON))
	require.NoError(t, err)
	writeAll(t, sink, people(2), 1)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"_id":"0"`)
}

func TestWithExt(t *testing.T) {
	ndjson, err := NewFormat(config.FormatNDJSON, FormatOptions{})
	require.NoError(t, err)
	tests := []struct {
		base string
		want string
	}{
		{"out", "out.ndjson"},
		{"out.txt", "out.txt"},
		{"dir/out.gz", "dir/out.ndjson.gz"},
		{"out.ndjson.gz", "out.ndjson.gz"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, withExt(tt.base, ndjson), tt.base)
	}
}

func TestNewFormat_Errors(t *testing.T) {
	_, err := NewFormat("parquet", FormatOptions{})
	assert.Error(t, err)
	_, err = NewFormat(config.FormatCSV, FormatOptions{Delimiter: "::"})
	assert.Error(t, err)
}

func TestDryRunSink(t *testing.T) {
	cfg := fileSinkConfig(filepath.Join(t.TempDir(), "never.ndjson"), config.FormatNDJSON)
	cfg.DryRun = true

	sink, err := NewSink(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, writeAll(t, sink, people(4), 3))
	_, err = os.Stat(cfg.Destination.Output)
	assert.True(t, os.IsNotExist(err), "dry run writes nothing")
}
