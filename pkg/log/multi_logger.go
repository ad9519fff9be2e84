package log

// MultiLogger fans one event stream out to several loggers, typically a
// SlogAdapter for the console next to a FileLogger for later analysis.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger combines the given loggers. Nil entries are dropped so
// callers can pass optional sinks without checking.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	kept := make([]Logger, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			kept = append(kept, l)
		}
	}
	return &MultiLogger{loggers: kept}
}

// Log forwards the event to every configured logger in order.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

// Compile-time interface satisfaction check.
var _ Logger = (*MultiLogger)(nil)
