package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"

	"docpump/internal/app"
	"docpump/internal/logging"
	"docpump/internal/runerr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := app.NewAppRunner()
	res, err := runner.Run(ctx, os.Args[1:])
	fmt.Println(app.Summary(res))
	if err != nil {
		if errors.Is(err, app.ErrUsage) || errors.Is(err, app.ErrConfigNotFound) || errors.Is(err, app.ErrMissingArgs) {
			fmt.Fprintln(os.Stderr, "")
			runner.Usage(os.Stderr)
		}
		// The failure must be visible even with --loglevel none.
		if logging.GetLevel() < logging.Error {
			logging.SetLevel(logging.Error)
		}
		logging.Logf(logging.Error, "Run failed: %v", err)
		for _, hint := range runerr.Hints(err) {
			logging.Logf(logging.Error, "Hint: %s", hint)
		}
		_ = logging.Sync()
		os.Exit(1)
	}
	_ = logging.Sync()
}
