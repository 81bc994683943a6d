package chatws

// logger is what the manager and its transports log through. NewZapLogger adapts zap
// for production; newTestLogger writes plain lines that tests can match.
type logger interface {
	// WithField returns a child logger tagging every line with key=value, e.g. the
	// session a transport is bound to.
	WithField(key string, value any) logger

	// frames and keep-alive traffic
	Debug(args ...any)
	Debugf(format string, args ...any)
	Debugln(args ...any)

	// lifecycle: opens, session switches, queue flushes
	Info(args ...any)
	Infof(format string, args ...any)
	Infoln(args ...any)

	// recoverable trouble: retries, dropped frames, queue overflow
	Warn(args ...any)
	Warnf(format string, args ...any)
	Warnln(args ...any)

	// exhaustion and handler panics
	Error(args ...any)
	Errorf(format string, args ...any)
	Errorln(args ...any)
}
