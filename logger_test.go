package chatws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewZapLogger(zap.New(core)).WithField("session", "abc")

	l.Debugf("hidden %d", 1)
	l.Warnf("retrying in %s", "1s")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "retrying in 1s", entries[0].Message)
	assert.Equal(t, "abc", entries[0].ContextMap()["session"])
}

func TestWriterLogger(t *testing.T) {
	buf := &syncBuffer{}
	l := newTestLogger(buf).WithField("b", 2).WithField("a", 1)

	l.Infof("hello %s", "there")
	l.Errorln("boom")

	assert.Equal(t, "INFO [a=1, b=2]: hello there\nERROR [a=1, b=2]: boom\n", buf.String())
}

func TestNilZapLoggerIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		NewZapLogger(nil).Error("nothing")
		NewNoopLogger().WithField("k", "v").Info("nothing")
	})
}
