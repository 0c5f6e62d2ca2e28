package logging

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerIsCachedPerComponent(t *testing.T) {
	a := NewLogger("session")
	b := NewLogger("session")
	c := NewLogger("spawn")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "spawn", c.Data["component"])
}

func TestTextFormatter(t *testing.T) {
	f := &TextFormatter{DisableTimestamp: true}
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Now(),
		Level:   logrus.WarnLevel,
		Message: "stall detected",
		Data: logrus.Fields{
			"component": "heartbeat",
			"session":   "s1",
			"age":       "2s",
		},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "[WARN] [heartbeat] stall detected age=2s session=s1\n", string(out))
}

func TestConfigureRejectsBadSettings(t *testing.T) {
	t.Setenv("AXIOM_LOG_LEVEL", "")
	assert.Error(t, Configure(Settings{Level: "loud"}))
	assert.Error(t, Configure(Settings{Format: "xml"}))
}

func TestConfigureWritesFile(t *testing.T) {
	t.Setenv("AXIOM_LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "logs", "axiom.log")
	require.NoError(t, Configure(Settings{Level: "debug", Format: "json", File: path}))
	defer Close()

	var buf bytes.Buffer
	SetOutput(&buf)
	NewLogger("test").WithError(errors.New("boom")).Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.FileExists(t, path)
}
