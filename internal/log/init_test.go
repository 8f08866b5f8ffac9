package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firestige/statsrelay/internal/config"
)

func TestInit_ValidTextConfig(t *testing.T) {
	err := Init(config.LogConfig{Level: "info", Format: "text"})
	require.NoError(t, err)
}

func TestInit_ValidJSONConfig(t *testing.T) {
	err := Init(config.LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
}

func TestInit_RejectsBadLevel(t *testing.T) {
	err := Init(config.LogConfig{Level: "noisy", Format: "text"})
	assert.Error(t, err)
}

func TestInit_RejectsBadFormat(t *testing.T) {
	err := Init(config.LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestInit_FileAppender(t *testing.T) {
	dir := t.TempDir()
	err := Init(config.LogConfig{
		Level:  "info",
		Format: "text",
		File: config.FileOutputConfig{
			Enabled:   true,
			Path:      dir + "/statsrelay.log",
			MaxSizeMB: 10,
		},
	})
	require.NoError(t, err)
}
