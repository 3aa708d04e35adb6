package app

import (
	"context"
	"fmt"
	stdio "io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"docpump/internal/config"
	"docpump/internal/io"
	"docpump/internal/logging"
	"docpump/internal/pipeline"
	"docpump/internal/transform"
	"docpump/internal/util"
)

// Define common application-level errors.
var (
	ErrUsage          = errors.New("usage error")
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrMissingArgs    = errors.New("missing required arguments")
)

// Factories replaced by tests.
var (
	newSourceFunc = io.NewSource
	newSinkFunc   = io.NewSink
	osStatFunc    = os.Stat
	newRunIDFunc  = uuid.NewString
)

// AppRunner parses the command line and executes one run.
type AppRunner struct {
	out stdio.Writer
}

// NewAppRunner creates a new instance of the application runner.
func NewAppRunner() *AppRunner {
	return &AppRunner{out: os.Stderr}
}

// options holds the raw flag values before they are merged into the config.
type options struct {
	configFile   string
	input        string
	output       string
	kind         string
	limit        int
	offset       int
	concurrency  int
	ignoreErrors bool
	skip         int
	fileSize     string
	maxRows      int
	throttle     time.Duration
	logLevel     string
	dryRun       bool
	deleteSource bool
	filter       string
}

const examples = `  docpump --input http://localhost:9200/logs --output /tmp/logs.ndjson --file-size 100mb
  docpump --config run.yaml --concurrency 4 --ignore-errors
  docpump --input dump.ndjson.gz --output http://localhost:9200/logs_restore --limit 500
  docpump --type mapping --input http://localhost:9200/logs --output http://localhost:9200/logs_v2`

func (a *AppRunner) command(ctx context.Context, opts *options, result *pipeline.Result) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docpump",
		Short: "Copy documents between search indexes, files, object stores and postgres",
		Long: `docpump pages records out of a source and writes them to a sink in batches,
overlapping reads with a bounded number of in-flight writes.

Locators: http(s)://host/index, a file path or file:// URL ("-" for stdio),
s3://bucket/key, postgres://... Environment variables ($VAR, ${VAR}, %VAR%)
are expanded in locators.`,
		Example:       examples,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.execute(ctx, cmd, opts)
			*result = res
			return err
		},
	}
	cmd.SetOut(a.out)
	cmd.SetErr(a.out)

	f := cmd.Flags()
	f.StringVar(&opts.configFile, "config", "", "YAML configuration file")
	f.StringVarP(&opts.input, "input", "i", "", "Source locator (overrides config)")
	f.StringVarP(&opts.output, "output", "o", "", "Destination locator (overrides config)")
	f.StringVar(&opts.kind, "type", "", "Record kind: data, mapping, settings or alias")
	f.IntVar(&opts.limit, "limit", config.DefaultLimit, "Records per read")
	f.IntVar(&opts.offset, "offset", 0, "Starting read offset")
	f.IntVar(&opts.concurrency, "concurrency", config.DefaultConcurrency, "Maximum in-flight writes (0 for unbounded)")
	f.BoolVar(&opts.ignoreErrors, "ignore-errors", false, "Log and skip failed writes instead of stopping")
	f.IntVar(&opts.skip, "skip", 0, "Discard this many leading records")
	f.StringVar(&opts.fileSize, "file-size", "", "Split file output into partitions of this size, e.g. 10mb")
	f.IntVar(&opts.maxRows, "max-rows", 0, "Split file output into partitions of this many records")
	f.DurationVar(&opts.throttle, "throttle", 0, "Pause between reads")
	f.StringVar(&opts.logLevel, "loglevel", config.DefaultLogLevel, "Logging level (none, error, warn, info, debug)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "Read and transform but do not write")
	f.BoolVar(&opts.deleteSource, "delete", false, "Delete records from the source after they are read")
	f.StringVar(&opts.filter, "filter", "", "Expression; records for which it is false are not written")
	return cmd
}

// Usage prints the command-line help information to the specified writer.
func (a *AppRunner) Usage(w stdio.Writer) {
	var res pipeline.Result
	cmd := a.command(context.Background(), &options{}, &res)
	cmd.SetOut(w)
	_ = cmd.Usage()
}

// Run parses args and executes the run. The result carries totals even
// when an error is returned.
func (a *AppRunner) Run(ctx context.Context, args []string) (pipeline.Result, error) {
	var res pipeline.Result
	if len(args) == 0 {
		a.Usage(a.out)
		return res, nil
	}
	cmd := a.command(ctx, &options{}, &res)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		if isFlagError(err) {
			logging.Logf(logging.Error, "Failed to parse args: %v", err)
			return res, errors.Mark(errors.Wrap(err, "invalid arguments"), ErrUsage)
		}
		return res, err
	}
	return res, nil
}

// isFlagError reports errors raised by cobra before RunE was reached.
func isFlagError(err error) bool {
	return !errors.Is(err, ErrConfigNotFound) && !errors.Is(err, ErrMissingArgs) && !errors.Is(err, errRun)
}

// errRun marks failures that happened inside RunE.
var errRun = errors.New("run failed")

func (a *AppRunner) execute(ctx context.Context, cmd *cobra.Command, opts *options) (pipeline.Result, error) {
	var res pipeline.Result
	logging.SetupLogging(opts.logLevel)

	cfg, err := a.loadConfig(cmd, opts)
	if err != nil {
		return res, err
	}
	if !cmd.Flags().Changed("loglevel") && cfg.Logging.Level != "" {
		logging.SetupLogging(cfg.Logging.Level)
	}

	transforms, err := transform.Compile(cfg.Transforms)
	if err != nil {
		return res, errors.Mark(err, errRun)
	}
	filter, err := transform.NewFilter(cfg.Filter)
	if err != nil {
		return res, errors.Mark(err, errRun)
	}

	src, err := newSourceFunc(ctx, cfg)
	if err != nil {
		return res, errors.Mark(errors.Wrap(err, "failed to create source"), errRun)
	}
	sink, err := newSinkFunc(ctx, cfg)
	if err != nil {
		if cerr := src.Close(context.WithoutCancel(ctx)); cerr != nil {
			logging.Logf(logging.Warning, "Failed to release source: %v", cerr)
		}
		return res, errors.Mark(errors.Wrap(err, "failed to create destination"), errRun)
	}

	runID := newRunIDFunc()
	logging.Logf(logging.Info, "Run %s: %s -> %s (type %s, limit %d, concurrency %d)",
		runID, util.MaskCredentials(cfg.Source.Input), util.MaskCredentials(cfg.Destination.Output),
		cfg.Type, cfg.Limit, cfg.ConcurrencyValue())
	if cfg.DryRun {
		logging.Logf(logging.Info, "DRY RUN: nothing will be written to %s", util.MaskCredentials(cfg.Destination.Output))
	}

	sched := pipeline.New(src, sink, pipeline.Options{
		Limit:            cfg.Limit,
		Offset:           cfg.Offset,
		Concurrency:      cfg.ConcurrencyValue(),
		IgnoreErrors:     cfg.IgnoreErrors,
		ThrottleInterval: cfg.ThrottleInterval,
		Processor:        pipeline.NewProcessor(transforms, filter),
	})
	start := time.Now()
	res, err = sched.Run(ctx)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		logging.Logf(logging.Error, "Run %s failed after %s: %d written, %d read, %d suppressed",
			runID, elapsed, res.TotalWrites, res.TotalRead, res.Suppressed)
		return res, errors.Mark(err, errRun)
	}
	logging.Logf(logging.Info, "Run %s finished in %s: %d written, %d read, %d filtered, %d suppressed, %d partition(s)",
		runID, elapsed, res.TotalWrites, res.TotalRead, res.Filtered, res.Suppressed, len(res.Partitions))
	return res, nil
}

// loadConfig reads the optional config file, merges explicitly set flags
// over it, then applies defaults and validation.
func (a *AppRunner) loadConfig(cmd *cobra.Command, opts *options) (*config.RunConfig, error) {
	cfg := &config.RunConfig{}
	if opts.configFile != "" {
		if _, err := osStatFunc(opts.configFile); err != nil {
			if os.IsNotExist(err) {
				logging.Logf(logging.Error, "Config file '%s' not found.", opts.configFile)
				return nil, ErrConfigNotFound
			}
			return nil, errors.Mark(errors.Wrapf(err, "failed to stat config file '%s'", opts.configFile), errRun)
		}
		loaded, err := config.LoadConfig(opts.configFile)
		if err != nil {
			return nil, errors.Mark(err, errRun)
		}
		cfg = loaded
		logging.Logf(logging.Info, "Loaded config: %s", opts.configFile)
	}

	applyFlags(cmd, opts, cfg)
	if cfg.Source.Input == "" || cfg.Destination.Output == "" {
		return nil, errors.Wrap(ErrMissingArgs, "both an input and an output are required")
	}
	if err := config.Finalize(cfg); err != nil {
		logging.Logf(logging.Error, "Invalid configuration: %v", err)
		return nil, errors.Mark(err, errRun)
	}
	return cfg, nil
}

// applyFlags copies flags the user set explicitly. Unset flags never
// override the config file.
func applyFlags(cmd *cobra.Command, opts *options, cfg *config.RunConfig) {
	set := cmd.Flags().Changed
	if set("input") {
		cfg.Source.Input = opts.input
		logging.Logf(logging.Info, "Override input: %s", util.MaskCredentials(opts.input))
	}
	if set("output") {
		cfg.Destination.Output = opts.output
		logging.Logf(logging.Info, "Override output: %s", util.MaskCredentials(opts.output))
	}
	if set("type") {
		cfg.Type = opts.kind
	}
	if set("limit") {
		cfg.Limit = opts.limit
	}
	if set("offset") {
		cfg.Offset = opts.offset
	}
	if set("concurrency") {
		c := opts.concurrency
		cfg.Concurrency = &c
	}
	if set("ignore-errors") {
		cfg.IgnoreErrors = opts.ignoreErrors
	}
	if set("skip") {
		cfg.Skip = opts.skip
	}
	if set("file-size") {
		cfg.Destination.FileSize = opts.fileSize
	}
	if set("max-rows") {
		cfg.Destination.MaxRows = opts.maxRows
	}
	if set("throttle") {
		cfg.ThrottleInterval = opts.throttle
	}
	if set("loglevel") {
		cfg.Logging.Level = opts.logLevel
	}
	if set("dry-run") {
		cfg.DryRun = opts.dryRun
	}
	if set("delete") {
		cfg.Source.Delete = opts.deleteSource
	}
	if set("filter") {
		cfg.Filter = opts.filter
	}
}

// Summary renders the line printed on exit.
func Summary(res pipeline.Result) string {
	return fmt.Sprintf("Total writes: %d", res.TotalWrites)
}
