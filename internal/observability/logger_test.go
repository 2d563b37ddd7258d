// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luxfi/fabric/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zap.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zap.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zap.InfoLevel, ParseLevel("chatty"))
}

func TestSetupLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fabricd.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:   "warn",
		Format:  "json",
		Outputs: []string{path},
	})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("peer unreachable", zap.String("peer", "tcp-oneway://10.0.0.2:7946"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "peer unreachable", entry["msg"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "tcp-oneway://10.0.0.2:7946", entry["peer"])
}

func TestSetupLoggerRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:    "info",
		Outputs:  []string{"ignored.log"},
		Rotation: config.RotationConfig{Enable: true, Filename: path},
	})
	require.NoError(t, err)
	logger.Info("rotating")
	require.NoError(t, logger.Sync())

	_, err = os.Stat(path)
	assert.NoError(t, err)
	_, err = os.Stat("ignored.log")
	assert.True(t, os.IsNotExist(err))
}
