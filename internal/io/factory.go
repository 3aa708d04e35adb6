package io

import (
	"context"
	stdio "io"

	"github.com/cockroachdb/errors"

	"docpump/internal/config"
	"docpump/internal/httpclient"
	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/runerr"
	"docpump/internal/splitter"
	"docpump/internal/util"
)

// NewSource creates the Source selected by the input locator's scheme.
func NewSource(ctx context.Context, cfg *config.RunConfig) (Source, error) {
	input := cfg.Source.Input
	scheme := config.Scheme(input)
	logging.Logf(logging.Debug, "Creating source for scheme: %s (%s)", scheme, util.MaskCredentials(input))
	opts := FormatOptions{Delimiter: cfg.Source.Delimiter}

	switch scheme {
	case config.SchemeSearch:
		backend, err := newSearchBackendFor(cfg, input, cfg.Source.Query)
		if err != nil {
			return nil, err
		}
		return newSearchSource(cfg, backend), nil
	case config.SchemeFile:
		path := filePath(input)
		return newStreamSource(path, cfg.Source.Format, opts, cfg.Offset, cfg.Skip, openLocalFile(path)), nil
	case config.SchemeStdio:
		return newStreamSource("stdin", cfg.Source.Format, opts, cfg.Offset, cfg.Skip, openStdin), nil
	case config.SchemeObject:
		bucket, key, err := ParseObjectLocator(input)
		if err != nil {
			return nil, runerr.Validation(err, "use s3://bucket/key")
		}
		store, err := newObjectStoreFunc(cfg.ObjectStore, bucket, "")
		if err != nil {
			return nil, runerr.Read(err, "object store")
		}
		open := func(ctx context.Context) (stdio.ReadCloser, error) { return store.Open(ctx, key) }
		return newStreamSource(input, cfg.Source.Format, opts, cfg.Offset, cfg.Skip, open), nil
	case config.SchemePostgres:
		if cfg.Source.Query == "" {
			return nil, runerr.Validation(errors.New("query is required in source config for postgres inputs"), "set source.query")
		}
		return newPostgresSource(input, cfg.Source.Query, cfg.Offset, cfg.Skip), nil
	default:
		return nil, runerr.Validation(errors.Newf("unsupported input %q", input), "")
	}
}

// NewSink creates the Sink selected by the output locator's scheme. A dry
// run gets a sink that only counts.
func NewSink(ctx context.Context, cfg *config.RunConfig) (Sink, error) {
	if cfg.DryRun {
		return &DryRunSink{}, nil
	}
	output := cfg.Destination.Output
	scheme := config.Scheme(output)
	logging.Logf(logging.Debug, "Creating sink for scheme: %s (%s)", scheme, util.MaskCredentials(output))

	switch scheme {
	case config.SchemeSearch:
		backend, err := newSearchBackendFor(cfg, output, "")
		if err != nil {
			return nil, err
		}
		return newSearchSink(cfg, backend)
	case config.SchemeFile, config.SchemeStdio, config.SchemeObject:
		return newPartitionedSink(cfg, scheme)
	case config.SchemePostgres:
		if cfg.Destination.Table == "" {
			return nil, runerr.Validation(errors.New("table is required in destination config for postgres outputs"), "set destination.table")
		}
		return NewPostgresWriter(output, cfg.Destination.Table), nil
	default:
		return nil, runerr.Validation(errors.Newf("unsupported output %q", output), "")
	}
}

func newSearchBackendFor(cfg *config.RunConfig, locator, query string) (*SearchBackend, error) {
	base, index, err := ParseSearchLocator(locator)
	if err != nil {
		return nil, runerr.Validation(err, "use http(s)://host[:port]/index")
	}
	retries := config.DefaultHTTPMaxRetries
	if cfg.HTTP.MaxRetries != nil {
		retries = *cfg.HTTP.MaxRetries
		if retries == 0 {
			retries = -1
		}
	}
	client := httpclient.New(httpclient.Config{
		BaseURL:    base,
		Timeout:    cfg.HTTP.Timeout,
		MaxRetries: retries,
		RateLimit:  cfg.HTTP.RateLimit,
		Headers:    cfg.HTTP.Headers,
	})
	return NewSearchBackend(client, index, query)
}

// newPartitionedSink builds a splitter-backed sink for files, stdout and
// object stores.
func newPartitionedSink(cfg *config.RunConfig, scheme string) (Sink, error) {
	dest := cfg.Destination
	format, err := NewFormat(dest.Format, FormatOptions{Delimiter: dest.Delimiter, SheetName: dest.SheetName})
	if err != nil {
		return nil, runerr.Validation(err, "set destination.format to json, ndjson, csv or xlsx")
	}
	fileSize, err := cfg.FileSizeBytes()
	if err != nil {
		return nil, runerr.Validation(err, "use a size such as 10mb")
	}
	sc := splitter.Config{
		FileSize: fileSize,
		MaxRows:  dest.MaxRows,
		Compress: dest.Compress,
		Format:   format,
	}

	name := dest.Output
	switch scheme {
	case config.SchemeStdio:
		sc.Base = "-"
		sc.Opener = stdoutOpener()
		name = "stdout"
	case config.SchemeObject:
		bucket, key, err := ParseObjectLocator(dest.Output)
		if err != nil {
			return nil, runerr.Validation(err, "use s3://bucket/key")
		}
		contentType := format.ContentType()
		if dest.Compress {
			contentType = "application/gzip"
		}
		store, err := newObjectStoreFunc(cfg.ObjectStore, bucket, contentType)
		if err != nil {
			return nil, runerr.Write(err, "object store")
		}
		sc.Base = withExt(key, format)
		sc.Opener = splitter.ObjectOpener{Uploader: store}
	default:
		sc.Base = withExt(filePath(dest.Output), format)
		sc.Opener = splitter.FileOpener{}
	}
	return newSplitSink(name, sc)
}

// DryRunSink accepts every record without writing it.
type DryRunSink struct {
	batches int
}

func (d *DryRunSink) Serial() {}

func (d *DryRunSink) Write(_ context.Context, records []record.Record, _, offset int) (record.WriteOutcome, error) {
	if len(records) == 0 {
		logging.Logf(logging.Info, "Dry run: %d batch(es) would have been written", d.batches)
		return record.WriteOutcome{}, nil
	}
	if d.batches == 0 {
		logging.Logf(logging.Debug, "Dry run sample (masked): %v", util.MaskSensitiveData(records[0].Source))
	}
	d.batches++
	logging.Logf(logging.Debug, "Dry run: would write %d record(s) at offset %d", len(records), offset)
	return record.WriteOutcome{Writes: len(records)}, nil
}
