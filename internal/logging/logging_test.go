package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/longbridgeapp/assert"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestOrNop(t *testing.T) {
	_, ok := OrNop(nil).(Nop)
	assert.True(t, ok)

	l := Logrus{}
	assert.Equal(t, Logger(l), OrNop(l))
}

func TestZap_WritesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := Zap{L: zap.New(core)}

	l.Warn("lock timeout", Fields{"key": "k1"})

	entries := logs.All()
	assert.Equal(t, 1, len(entries))
	assert.Equal(t, "lock timeout", entries[0].Message)
	assert.Equal(t, "k1", entries[0].ContextMap()["key"])
}

func TestLogrus_WritesFields(t *testing.T) {
	var buf bytes.Buffer

	l, err := NewLogrus("debug")
	assert.NoError(t, err)
	l.E.Logger.SetOutput(&buf)

	l.Debug("remote get", Fields{"node": "b"})

	assert.True(t, strings.Contains(buf.String(), `"node":"b"`))
	assert.True(t, strings.Contains(buf.String(), "remote get"))

	_, err = NewLogrus("loud")
	assert.True(t, err != nil)
	assert.Equal(t, logrus.DebugLevel, l.E.Logger.GetLevel())
}
