package logger

// LoggerContext accumulates attributes over the course of an operation so
// later log lines carry what was learned earlier.
type LoggerContext struct {
	*Logger
}

// NewLoggerContext wraps l so attributes can be added as an operation progresses.
func NewLoggerContext(l *Logger) *LoggerContext { return &LoggerContext{Logger: l} }

// Add appends attributes to every subsequent record written through lc.
func (lc *LoggerContext) Add(args ...any) { lc.Logger = lc.Logger.With(args...) }
