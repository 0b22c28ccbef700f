package tcp

import (
	"log/slog"

	"github.com/samkumar/tcp6/internal"
)

// levelTrace sits below slog.LevelDebug, a quieter-than-debug level for the
// segment-by-segment chatter a constrained node will almost never want to
// pay the formatting cost for.
const levelTrace = internal.LevelTrace

// logger is embedded by every stateful type that wants structured logging
// without forcing every caller to supply one: the zero value logs nothing.
// logattrs is routed through internal.LogAttrs rather than calling
// l.log.LogAttrs directly so the debugheaplog build tag swaps every log
// call site in this package, without exception, for one that also reports
// heap growth since the previous call: on a constrained node the question
// "did this segment's handling allocate" matters as much as the message
// itself.
type logger struct {
	log *slog.Logger
}

func (l *logger) logenabled(lvl slog.Level) bool {
	return internal.LogEnabled(l.log, lvl)
}

func (l *logger) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, lvl, msg, attrs...)
}

func (l *logger) trace(msg string, attrs ...slog.Attr) { l.logattrs(levelTrace, msg, attrs...) }
func (l *logger) debug(msg string, attrs ...slog.Attr)  { l.logattrs(slog.LevelDebug, msg, attrs...) }
func (l *logger) info(msg string, attrs ...slog.Attr)   { l.logattrs(slog.LevelInfo, msg, attrs...) }
func (l *logger) logerr(msg string, attrs ...slog.Attr) { l.logattrs(slog.LevelError, msg, attrs...) }

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("err", "<nil>")
	}
	return slog.String("err", err.Error())
}
