package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ev-demand-analytics-engine/config"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("job_id", "abc").Info("job started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abc", entry["job_id"])
	assert.Equal(t, "job started", entry["msg"])
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	logger := NewWithOutput(config.LoggingConfig{Level: "chatty"}, &bytes.Buffer{})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, logrus.StandardLogger(), OrDefault(nil))

	logger := logrus.New()
	assert.Equal(t, logger, OrDefault(logger))
}
