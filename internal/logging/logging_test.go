package logging

import (
	"bytes"
	"context"
	"runtime/pprof"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	defer logrus.SetOutput(logrus.StandardLogger().Out)
	defer logrus.SetLevel(logrus.GetLevel())
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)

	var buf bytes.Buffer
	require.NoError(t, Setup("debug", "json", &buf))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	logrus.WithField("account", "a1").Debug("hello")
	assert.Contains(t, buf.String(), `"account":"a1"`)

	assert.Error(t, Setup("loud", "text", nil))
	assert.Error(t, Setup("info", "xml", nil))
}

func TestGoAnnotate_SetsLabels(t *testing.T) {
	done := make(chan string)

	GoAnnotate(context.Background(), func(ctx context.Context) {
		v, _ := pprof.Label(ctx, "account")
		done <- v
	}, map[string]any{"account": "a1"})

	assert.Equal(t, "a1", <-done)
}
