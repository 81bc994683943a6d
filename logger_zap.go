package chatws

import (
	"go.uber.org/zap"
)

// zapLogger adapts a zap SugaredLogger to the logger interface.
type zapLogger struct {
	*zap.SugaredLogger
}

// NewZapLogger wraps l. A nil logger yields a no-op logger.
func NewZapLogger(l *zap.Logger) logger {
	if l == nil {
		l = zap.NewNop()
	}
	return zapLogger{SugaredLogger: l.Sugar()}
}

// NewNoopLogger returns a logger that discards everything.
func NewNoopLogger() logger {
	return NewZapLogger(zap.NewNop())
}

func (l zapLogger) WithField(key string, value any) logger {
	return zapLogger{SugaredLogger: l.SugaredLogger.With(key, value)}
}
