package pipeline

import "docpump/internal/logging"

// Observer receives progress events from a run.
type Observer interface {
	OnLog(msg string)
	OnDebug(msg string)
	OnWarning(msg string)
}

// LogObserver forwards events to the process logger.
type LogObserver struct{}

func (LogObserver) OnLog(msg string)     { logging.Logf(logging.Info, "%s", msg) }
func (LogObserver) OnDebug(msg string)   { logging.Logf(logging.Debug, "%s", msg) }
func (LogObserver) OnWarning(msg string) { logging.Logf(logging.Warning, "%s", msg) }
