package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"docpump/internal/runerr"
	"docpump/internal/util"
)

// LoadConfig reads and parses the YAML configuration file. Defaults and
// validation are applied by Finalize once command-line overrides are merged.
func LoadConfig(filename string) (*RunConfig, error) {
	// Read the whole file; configs are small.
	fileBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, runerr.Validation(errors.Wrapf(err, "failed to read config file '%s'", filename), "")
	}
	// Unmarshal into a zero config; unset fields are filled by applyDefaults.
	var cfg RunConfig
	if err := yaml.Unmarshal(fileBytes, &cfg); err != nil {
		return nil, runerr.Validation(errors.Wrapf(err, "failed to parse YAML in '%s'", filename), "")
	}
	return &cfg, nil
}

// Finalize expands environment variables, applies defaults and validates.
func Finalize(cfg *RunConfig) error {
	// Expand variables in locators and credentials only; queries and
	// expressions may legitimately contain '$'.
	cfg.Source.Input = util.ExpandEnvUniversal(cfg.Source.Input)
	cfg.Destination.Output = util.ExpandEnvUniversal(cfg.Destination.Output)
	cfg.ObjectStore.AccessKeyID = util.ExpandEnvUniversal(cfg.ObjectStore.AccessKeyID)
	cfg.ObjectStore.SecretAccessKey = util.ExpandEnvUniversal(cfg.ObjectStore.SecretAccessKey)
	// Defaults go in before validation so enum checks see the final values.
	applyDefaults(cfg)
	return ValidateConfig(cfg)
}

// applyDefaults sets default values for unset options.
func applyDefaults(cfg *RunConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Type == "" {
		cfg.Type = KindData
	}
	if cfg.Limit == 0 {
		cfg.Limit = DefaultLimit
	}
	// Concurrency is a pointer so an explicit 0 (unbounded) survives defaulting.
	if cfg.Concurrency == nil {
		c := DefaultConcurrency
		cfg.Concurrency = &c
	}

	// Source defaults.
	src := &cfg.Source
	if src.Paging == "" {
		src.Paging = PagingScroll
	}
	if src.ScrollTime == "" {
		src.ScrollTime = DefaultScrollTime
	}
	if src.PITKeepAlive == "" {
		src.PITKeepAlive = DefaultPITKeepAlive
	}
	if src.PartialFailureRetries == nil {
		r := DefaultPartialFailureRetries
		src.PartialFailureRetries = &r
	}
	if src.PartialFailureDelay == 0 {
		src.PartialFailureDelay = DefaultPartialFailureDelay
	}
	// File formats follow the locator's extension unless set explicitly.
	if src.Format == "" {
		src.Format = InferFormat(src.Input)
	}
	if src.Delimiter == "" {
		src.Delimiter = DefaultCSVDelimiter
	}

	// Destination defaults.
	dest := &cfg.Destination
	if dest.Action == "" {
		dest.Action = DefaultAction
	}
	if dest.Format == "" {
		dest.Format = InferFormat(dest.Output)
	}
	if dest.Delimiter == "" {
		dest.Delimiter = DefaultCSVDelimiter
	}
	if dest.SheetName == "" {
		dest.SheetName = DefaultSheetName
	}

	// HTTP client defaults shared by every search backend.
	if cfg.HTTP.Timeout == 0 {
		cfg.HTTP.Timeout = DefaultHTTPTimeout
	}
	if cfg.HTTP.MaxRetries == nil {
		r := DefaultHTTPMaxRetries
		cfg.HTTP.MaxRetries = &r
	}
}

// InferFormat guesses a container format from a locator's extension,
// ignoring a trailing .gz. Unknown extensions default to ndjson.
func InferFormat(locator string) string {
	// Compression is orthogonal to format, so look past a .gz suffix.
	ext := strings.ToLower(filepath.Ext(strings.TrimSuffix(strings.ToLower(locator), ".gz")))
	switch ext {
	case ".json":
		return FormatJSON
	case ".csv", ".tsv":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	default:
		return FormatNDJSON
	}
}
