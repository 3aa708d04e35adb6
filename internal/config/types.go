package config

import (
	"time"

	"docpump/internal/transform"
)

// Define constants for configuration keys, kinds, modes etc.
const (
	KindData     = "data"
	KindMapping  = "mapping"
	KindSettings = "settings"
	KindAlias    = "alias"

	PagingScroll      = "scroll"
	PagingSearchAfter = "search_after"
	PagingOffset      = "offset"

	FormatJSON   = "json"
	FormatNDJSON = "ndjson"
	FormatCSV    = "csv"
	FormatXLSX   = "xlsx"

	DefaultLogLevel              = "info"
	DefaultLimit                 = 100
	DefaultConcurrency           = 0 // unbounded
	DefaultScrollTime            = "10m"
	DefaultPITKeepAlive          = "5m"
	DefaultPartialFailureRetries = 3
	DefaultPartialFailureDelay   = 5 * time.Second
	DefaultAction                = "index"
	DefaultCSVDelimiter          = ","
	DefaultSheetName             = "Sheet1"
	DefaultHTTPTimeout           = 30 * time.Second
	DefaultHTTPMaxRetries        = 3
)

// RunConfig defines one migration run. It is loaded from YAML and then
// overridden by command-line flags.
type RunConfig struct {
	// Logging configuration specifies the verbosity level.
	Logging LoggingConfig `yaml:"logging"`
	// Type is the record kind to move: data, mapping, settings or alias.
	Type string `yaml:"type,omitempty"`
	// Source is where records are read from.
	Source SourceConfig `yaml:"source"`
	// Destination is where records are written.
	Destination DestinationConfig `yaml:"destination"`

	// Limit is the page size of every read.
	Limit int `yaml:"limit,omitempty"`
	// Offset is the starting read offset.
	Offset int `yaml:"offset,omitempty"`
	// Concurrency bounds in-flight batch writes. Zero or less is unbounded.
	Concurrency *int `yaml:"concurrency,omitempty"`
	// IgnoreErrors suppresses write and transform failures; affected batches
	// count as zero writes.
	IgnoreErrors bool `yaml:"ignoreErrors,omitempty"`
	// Skip discards this many leading records after reading.
	Skip int `yaml:"skip,omitempty"`
	// ThrottleInterval pauses between iterations of the read loop.
	ThrottleInterval time.Duration `yaml:"throttleInterval,omitempty"`

	// Filter is an optional govaluate expression. Records for which it is
	// false are not written.
	Filter string `yaml:"filter,omitempty"`
	// Transforms run in order on every record before it is written.
	Transforms []transform.Spec `yaml:"transforms,omitempty"`

	HTTP        HTTPConfig        `yaml:"http,omitempty"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore,omitempty"`

	// DryRun reads and transforms but never writes.
	DryRun bool `yaml:"dryRun,omitempty"`
}

// LoggingConfig holds settings related to logging verbosity.
type LoggingConfig struct {
	// Level is one of none, error, warn, info, debug. Defaults to info.
	Level string `yaml:"level"`
}

// SourceConfig details the input.
type SourceConfig struct {
	// Input is the source locator: http(s)://host/index, a file path or
	// file:// URL ("-" for stdin), s3://bucket/key or postgres://...
	// Environment variables are expanded.
	Input string `yaml:"input"`
	// Paging selects the search paging dialect: scroll, search_after or offset.
	Paging string `yaml:"paging,omitempty"`
	// Query is a JSON search body for search sources or a SQL query for
	// postgres sources.
	Query string `yaml:"query,omitempty"`
	// Sort is the search-after sort specification.
	Sort []interface{} `yaml:"sort,omitempty"`
	// ScrollTime is the scroll lease requested on every page.
	ScrollTime string `yaml:"scrollTime,omitempty"`
	// PITKeepAlive is the point-in-time lease for search-after paging.
	PITKeepAlive          string        `yaml:"pitKeepAlive,omitempty"`
	PartialFailureRetries *int          `yaml:"partialFailureRetries,omitempty"`
	PartialFailureDelay   time.Duration `yaml:"partialFailureDelay,omitempty"`
	// Delete removes every record from the source once its page was read.
	Delete bool `yaml:"delete,omitempty"`
	// Format of file and object sources. Inferred from the extension when empty.
	Format    string `yaml:"format,omitempty"`
	Delimiter string `yaml:"delimiter,omitempty"`
}

// DestinationConfig details the output.
type DestinationConfig struct {
	// Output is the sink locator, same schemes as Source.Input ("-" for stdout).
	Output string `yaml:"output"`
	// Action is the bulk action: index, create, update or delete.
	Action string `yaml:"action,omitempty"`
	// Index and DocType override the destination of every record.
	Index   string `yaml:"index,omitempty"`
	DocType string `yaml:"docType,omitempty"`
	// NoRefresh skips the refresh call after each bulk write.
	NoRefresh bool `yaml:"noRefresh,omitempty"`
	// Format of file and object sinks: json, ndjson, csv or xlsx.
	Format    string `yaml:"format,omitempty"`
	Delimiter string `yaml:"delimiter,omitempty"`
	SheetName string `yaml:"sheetName,omitempty"`
	// Compress gzips every partition.
	Compress bool `yaml:"compress,omitempty"`
	// FileSize is a partition byte threshold such as "10mb". Mutually
	// exclusive with MaxRows.
	FileSize string `yaml:"fileSize,omitempty"`
	// MaxRows is a partition row threshold.
	MaxRows int `yaml:"maxRows,omitempty"`
	// Table is the postgres target table.
	Table string `yaml:"table,omitempty"`
}

// HTTPConfig tunes the client used for search backends.
type HTTPConfig struct {
	Timeout    time.Duration     `yaml:"timeout,omitempty"`
	MaxRetries *int              `yaml:"maxRetries,omitempty"`
	RateLimit  float64           `yaml:"rateLimit,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
}

// ObjectStoreConfig holds the endpoint and credentials for s3:// locators.
type ObjectStoreConfig struct {
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`
	Region          string `yaml:"region,omitempty"`
	UseSSL          bool   `yaml:"useSSL,omitempty"`
}

// ConcurrencyValue returns the configured write concurrency.
func (c *RunConfig) ConcurrencyValue() int {
	if c.Concurrency == nil {
		return DefaultConcurrency
	}
	return *c.Concurrency
}
