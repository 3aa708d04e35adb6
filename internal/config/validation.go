package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Knetic/govaluate"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"docpump/internal/bulk"
	"docpump/internal/logging"
	"docpump/internal/runerr"
	"docpump/internal/transform"
)

// Locator schemes understood by the transport layer.
const (
	SchemeSearch   = "search"
	SchemeFile     = "file"
	SchemeStdio    = "stdio"
	SchemeObject   = "object"
	SchemePostgres = "postgres"
)

// Define known valid enum values for configuration fields.
var (
	knownLogLevels = []string{"none", "error", "warn", "warning", "info", "debug"}
	knownKinds     = []string{KindData, KindMapping, KindSettings, KindAlias}
	knownPagings   = []string{PagingScroll, PagingSearchAfter, PagingOffset}
	knownFormats   = []string{FormatJSON, FormatNDJSON, FormatCSV, FormatXLSX}
	knownActions   = []string{string(bulk.ActionIndex), string(bulk.ActionCreate), string(bulk.ActionUpdate), string(bulk.ActionDelete)}
)

// isValidEnumValue checks if a value is present in a list of allowed string values (case-insensitive).
func isValidEnumValue(value string, allowedValues []string) bool {
	lowerValue := strings.ToLower(value)
	for _, allowed := range allowedValues {
		if lowerValue == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// Scheme classifies a locator.
func Scheme(locator string) string {
	lower := strings.ToLower(locator)
	switch {
	case locator == "-" || locator == "":
		return SchemeStdio
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return SchemeSearch
	case strings.HasPrefix(lower, "s3://"):
		return SchemeObject
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return SchemePostgres
	default:
		return SchemeFile
	}
}

// FileSizeBytes parses Destination.FileSize ("10mb", "512KiB", "1048576").
// Zero means no byte threshold.
func (c *RunConfig) FileSizeBytes() (int64, error) {
	if strings.TrimSpace(c.Destination.FileSize) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Destination.FileSize)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid file size %q", c.Destination.FileSize)
	}
	return int64(n), nil
}

// ValidateConfig performs validation of the entire run configuration.
func ValidateConfig(cfg *RunConfig) error {
	// Collect every problem so the user can fix them in one pass.
	var allErrors []string

	// Top-level run options.

	if !isValidEnumValue(cfg.Logging.Level, knownLogLevels) {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Logging.Level: invalid log level '%s', must be one of %v", cfg.Logging.Level, knownLogLevels))
	}
	if !isValidEnumValue(cfg.Type, knownKinds) {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Type: invalid type '%s', must be one of %v", cfg.Type, knownKinds))
	}
	if cfg.Limit <= 0 {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Limit: must be positive, got %d", cfg.Limit))
	}
	if cfg.Offset < 0 {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Offset: cannot be negative, got %d", cfg.Offset))
	}
	if cfg.Skip < 0 {
		allErrors = append(allErrors, fmt.Sprintf("- Config.Skip: cannot be negative, got %d", cfg.Skip))
	}
	if cfg.ThrottleInterval < 0 {
		allErrors = append(allErrors, "- Config.ThrottleInterval: cannot be negative")
	}

	// Section validators return their own prefixed messages.
	allErrors = append(allErrors, validateSourceConfig("Config.Source", cfg)...)
	allErrors = append(allErrors, validateDestinationConfig("Config.Destination", cfg)...)
	allErrors = append(allErrors, validateHTTPConfig("Config.HTTP", &cfg.HTTP)...)

	// Object store credentials are only needed when either end is s3://.
	if Scheme(cfg.Source.Input) == SchemeObject || Scheme(cfg.Destination.Output) == SchemeObject {
		if cfg.ObjectStore.Endpoint == "" {
			allErrors = append(allErrors, "- Config.ObjectStore.Endpoint: is required for s3:// locators")
		}
	}

	// Compile expressions now so syntax errors fail before any I/O.
	if cfg.Filter != "" {
		if _, err := govaluate.NewEvaluableExpression(cfg.Filter); err != nil {
			allErrors = append(allErrors, fmt.Sprintf("- Config.Filter: invalid expression syntax: %v", err))
		}
	}
	if len(cfg.Transforms) > 0 {
		if _, err := transform.Compile(cfg.Transforms); err != nil {
			allErrors = append(allErrors, fmt.Sprintf("- Config.Transforms: %v", err))
		}
	}

	if len(allErrors) > 0 {
		return runerr.Validation(
			errors.Newf("configuration validation failed:\n%s", strings.Join(allErrors, "\n")),
			"run with --help for the list of options",
		)
	}
	logging.Logf(logging.Debug, "Configuration validation successful.")
	return nil
}

func validateSourceConfig(prefix string, cfg *RunConfig) []string {
	var errs []string
	src := &cfg.Source
	scheme := Scheme(src.Input)
	if strings.TrimSpace(src.Input) == "" {
		errs = append(errs, fmt.Sprintf("- %s.Input: is required", prefix))
	}
	if !isValidEnumValue(src.Paging, knownPagings) {
		errs = append(errs, fmt.Sprintf("- %s.Paging: invalid paging '%s', must be one of %v", prefix, src.Paging, knownPagings))
	}
	if src.PartialFailureRetries != nil && *src.PartialFailureRetries < 0 {
		errs = append(errs, fmt.Sprintf("- %s.PartialFailureRetries: cannot be negative", prefix))
	}
	if src.PartialFailureDelay < 0 {
		errs = append(errs, fmt.Sprintf("- %s.PartialFailureDelay: cannot be negative", prefix))
	}
	for _, lease := range []struct{ name, value string }{{"ScrollTime", src.ScrollTime}, {"PITKeepAlive", src.PITKeepAlive}} {
		if err := validateKeepAlive(lease.value); err != nil {
			errs = append(errs, fmt.Sprintf("- %s.%s: %v", prefix, lease.name, err))
		}
	}

	// Scheme-specific rules.
	switch scheme {
	case SchemeSearch:
		if src.Query != "" {
			var body map[string]interface{}
			if err := json.Unmarshal([]byte(src.Query), &body); err != nil {
				errs = append(errs, fmt.Sprintf("- %s.Query: search body must be a JSON object: %v", prefix, err))
			}
		}
		// Deleting under from/size paging shifts later documents below the
		// next offset, so they would never be read.
		if src.Delete && strings.EqualFold(src.Paging, PagingOffset) {
			errs = append(errs, fmt.Sprintf("- %s.Delete: cannot be combined with offset paging, use scroll or search_after", prefix))
		}
	case SchemePostgres:
		if strings.TrimSpace(src.Query) == "" {
			errs = append(errs, fmt.Sprintf("- %s.Query: a SQL query is required for postgres sources", prefix))
		}
		if src.Delete {
			errs = append(errs, fmt.Sprintf("- %s.Delete: not supported for postgres sources", prefix))
		}
	default:
		if !isValidEnumValue(src.Format, knownFormats) {
			errs = append(errs, fmt.Sprintf("- %s.Format: invalid format '%s', must be one of %v", prefix, src.Format, knownFormats))
		}
		if src.Delete {
			errs = append(errs, fmt.Sprintf("- %s.Delete: only supported for search sources", prefix))
		}
		if src.Format == FormatCSV {
			if err := validateSingleRuneString(src.Delimiter, prefix+".Delimiter", false); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	if cfg.Type != KindData && scheme == SchemePostgres {
		errs = append(errs, fmt.Sprintf("- %s.Input: type '%s' cannot be read from postgres", prefix, cfg.Type))
	}
	return errs
}

func validateDestinationConfig(prefix string, cfg *RunConfig) []string {
	var errs []string
	dest := &cfg.Destination
	scheme := Scheme(dest.Output)
	if strings.TrimSpace(dest.Output) == "" {
		errs = append(errs, fmt.Sprintf("- %s.Output: is required", prefix))
	}
	if !isValidEnumValue(dest.Action, knownActions) {
		errs = append(errs, fmt.Sprintf("- %s.Action: invalid action '%s', must be one of %v", prefix, dest.Action, knownActions))
	}

	size, err := cfg.FileSizeBytes()
	if err != nil {
		errs = append(errs, fmt.Sprintf("- %s.FileSize: %v", prefix, err))
	}
	if dest.MaxRows < 0 {
		errs = append(errs, fmt.Sprintf("- %s.MaxRows: cannot be negative", prefix))
	}
	if size > 0 && dest.MaxRows > 0 {
		errs = append(errs, fmt.Sprintf("- %s: fileSize and maxRows are mutually exclusive", prefix))
	}

	switch scheme {
	case SchemeSearch:
		if size > 0 || dest.MaxRows > 0 {
			errs = append(errs, fmt.Sprintf("- %s: fileSize and maxRows only apply to file and object outputs", prefix))
		}
	case SchemePostgres:
		if strings.TrimSpace(dest.Table) == "" {
			errs = append(errs, fmt.Sprintf("- %s.Table: is required for postgres outputs", prefix))
		}
		if cfg.Type != KindData {
			errs = append(errs, fmt.Sprintf("- %s.Output: type '%s' cannot be written to postgres", prefix, cfg.Type))
		}
	default:
		if !isValidEnumValue(dest.Format, knownFormats) {
			errs = append(errs, fmt.Sprintf("- %s.Format: invalid format '%s', must be one of %v", prefix, dest.Format, knownFormats))
		}
		switch dest.Format {
		case FormatCSV:
			if err := validateSingleRuneString(dest.Delimiter, prefix+".Delimiter", false); err != nil {
				errs = append(errs, err.Error())
			}
		case FormatXLSX:
			if err := validateSheetName(dest.SheetName, prefix+".SheetName"); err != nil {
				errs = append(errs, err.Error())
			}
			if size > 0 {
				errs = append(errs, fmt.Sprintf("- %s.FileSize: xlsx output can only be split by maxRows", prefix))
			}
			if scheme == SchemeStdio {
				errs = append(errs, fmt.Sprintf("- %s.Output: xlsx output cannot be written to stdout", prefix))
			}
		}
		if scheme == SchemeStdio && (size > 0 || dest.MaxRows > 0) {
			errs = append(errs, fmt.Sprintf("- %s.Output: stdout cannot be split into partitions", prefix))
		}
	}
	return errs
}

func validateHTTPConfig(prefix string, cfg *HTTPConfig) []string {
	var errs []string
	if cfg.Timeout < 0 {
		errs = append(errs, fmt.Sprintf("- %s.Timeout: cannot be negative", prefix))
	}
	if cfg.MaxRetries != nil && *cfg.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("- %s.MaxRetries: cannot be negative", prefix))
	}
	if cfg.RateLimit < 0 {
		errs = append(errs, fmt.Sprintf("- %s.RateLimit: cannot be negative", prefix))
	}
	return errs
}

// validateKeepAlive accepts search lease strings such as "10m", "30s" or "1h".
func validateKeepAlive(v string) error {
	if v == "" {
		return nil
	}
	if _, err := time.ParseDuration(v); err == nil {
		return nil
	}
	// Search backends also accept "d" units which time.ParseDuration does not.
	if strings.HasSuffix(v, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(v, "d")); err == nil && n > 0 {
			return nil
		}
	}
	return errors.Newf("invalid keep-alive '%s'", v)
}

// validateSingleRuneString checks if a string contains exactly one UTF-8 rune.
func validateSingleRuneString(s, fieldName string, allowEmpty bool) error {
	if s == "" {
		if !allowEmpty {
			return errors.Newf("- %s: cannot be empty", fieldName)
		}
		return nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return errors.Newf("- %s: %s must be a single character", fieldName, strconv.Quote(s))
	}
	return nil
}

// validateSheetName checks if an Excel sheet name is valid according to Excel limitations.
func validateSheetName(sheetName, fieldName string) error {
	if sheetName == "" {
		return errors.Newf("- %s: sheet name cannot be empty", fieldName)
	}
	if utf8.RuneCountInString(sheetName) > 31 {
		return errors.Newf("- %s: '%s' exceeds maximum length of 31 characters", fieldName, sheetName)
	}
	if strings.ContainsAny(sheetName, `:\/?*[]`) {
		return errors.Newf("- %s: '%s' contains invalid characters (: \\ / ? * [ ])", fieldName, sheetName)
	}
	if strings.HasPrefix(sheetName, "'") || strings.HasSuffix(sheetName, "'") {
		return errors.Newf("- %s: '%s' cannot start or end with a single quote", fieldName, sheetName)
	}
	return nil
}
