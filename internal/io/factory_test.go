package io

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpump/internal/config"
	"docpump/internal/runerr"
)

func TestNewSink_SelectsByScheme(t *testing.T) {
	useMemStore(t, &memStore{objects: map[string][]byte{}})
	dir := t.TempDir()

	tests := []struct {
		name   string
		output string
		check  func(t *testing.T, s Sink)
	}{
		{"search", "http://localhost:9200/dst", func(t *testing.T, s Sink) {
			assert.IsType(t, &SearchSink{}, s)
		}},
		{"file", filepath.Join(dir, "out.ndjson"), func(t *testing.T, s Sink) {
			assert.IsType(t, &splitSink{}, s)
		}},
		{"stdout", "-", func(t *testing.T, s Sink) {
			assert.IsType(t, &splitSink{}, s)
		}},
		{"object", "s3://bucket/out.ndjson", func(t *testing.T, s Sink) {
			assert.IsType(t, &splitSink{}, s)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSink(context.Background(), fileSinkConfig(tt.output, config.FormatNDJSON))
			require.NoError(t, err)
			tt.check(t, sink)
		})
	}
}

func TestNewSource_SelectsByScheme(t *testing.T) {
	useMemStore(t, &memStore{objects: map[string][]byte{}})

	for _, input := range []string{"http://localhost:9200/src", "data.ndjson", "-", "s3://bucket/in.ndjson"} {
		t.Run(input, func(t *testing.T) {
			cfg := searchRunConfig(config.PagingScroll)
			cfg.Source.Input = input
			cfg.Source.Format = config.FormatNDJSON
			src, err := NewSource(context.Background(), cfg)
			require.NoError(t, err)
			assert.IsType(t, &pagedSource{}, src)
		})
	}
}

func TestNewSink_InvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		cfg  func() *config.RunConfig
	}{
		{"unknown format", func() *config.RunConfig {
			return fileSinkConfig(filepath.Join(t.TempDir(), "out.bin"), "parquet")
		}},
		{"bad file size", func() *config.RunConfig {
			cfg := fileSinkConfig(filepath.Join(t.TempDir(), "out.ndjson"), config.FormatNDJSON)
			cfg.Destination.FileSize = "lots"
			return cfg
		}},
		{"xlsx by size", func() *config.RunConfig {
			cfg := fileSinkConfig(filepath.Join(t.TempDir(), "out.xlsx"), config.FormatXLSX)
			cfg.Destination.FileSize = "1mb"
			return cfg
		}},
		{"bad object locator", func() *config.RunConfig {
			return fileSinkConfig("s3://bucket", config.FormatNDJSON)
		}},
		{"bad bulk action", func() *config.RunConfig {
			cfg := fileSinkConfig("http://localhost:9200/dst", config.FormatNDJSON)
			cfg.Destination.Action = "upsert"
			return cfg
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSink(context.Background(), tt.cfg())
			require.Error(t, err)
			assert.Equal(t, runerr.KindValidation, runerr.KindOf(err))
		})
	}
}
