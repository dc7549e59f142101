package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, logrus.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel(""))
}

func TestNew_JSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ironfly.log")
	log, closer := New(Config{Level: "debug", Format: "json", File: path})
	log.WithField("component", "test").Debug("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), `"msg":"hello"`)
	_, ok := log.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}

func TestNew_Stderr(t *testing.T) {
	log, closer := New(Config{})
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.NoError(t, closer.Close())
}
