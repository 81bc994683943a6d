package chatws

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// writerLogger implements the logger interface on top of an io.Writer. Lines are written
// without timestamps so tests can match on them.
type writerLogger struct {
	mu     *sync.Mutex
	writer io.Writer
	fields map[string]any
}

// newTestLogger creates a new logger that writes to the provided writer
func newTestLogger(writer io.Writer) logger {
	return &writerLogger{
		mu:     &sync.Mutex{},
		writer: writer,
		fields: make(map[string]any),
	}
}

func (l *writerLogger) WithField(key string, value any) logger {
	fields := make(map[string]any, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &writerLogger{mu: l.mu, writer: l.writer, fields: fields}
}

func (l *writerLogger) formatFields() string {
	if len(l.fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, l.fields[k]))
	}
	return " [" + strings.Join(parts, ", ") + "]"
}

func (l *writerLogger) log(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.writer, "%s%s: %s\n", level, l.formatFields(), strings.TrimRight(msg, "\n"))
}

func (l *writerLogger) Debug(args ...any) { l.log("DEBUG", fmt.Sprint(args...)) }

func (l *writerLogger) Debugf(format string, args ...any) { l.log("DEBUG", fmt.Sprintf(format, args...)) }

func (l *writerLogger) Debugln(args ...any) { l.log("DEBUG", fmt.Sprintln(args...)) }

func (l *writerLogger) Info(args ...any) { l.log("INFO", fmt.Sprint(args...)) }

func (l *writerLogger) Infof(format string, args ...any) { l.log("INFO", fmt.Sprintf(format, args...)) }

func (l *writerLogger) Infoln(args ...any) { l.log("INFO", fmt.Sprintln(args...)) }

func (l *writerLogger) Warn(args ...any) { l.log("WARN", fmt.Sprint(args...)) }

func (l *writerLogger) Warnf(format string, args ...any) { l.log("WARN", fmt.Sprintf(format, args...)) }

func (l *writerLogger) Warnln(args ...any) { l.log("WARN", fmt.Sprintln(args...)) }

func (l *writerLogger) Error(args ...any) { l.log("ERROR", fmt.Sprint(args...)) }

func (l *writerLogger) Errorf(format string, args ...any) { l.log("ERROR", fmt.Sprintf(format, args...)) }

func (l *writerLogger) Errorln(args ...any) { l.log("ERROR", fmt.Sprintln(args...)) }
