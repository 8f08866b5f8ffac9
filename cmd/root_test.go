package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCmd_DefaultFlags(t *testing.T) {
	assert.Equal(t, "/etc/statsrelay.json", configFile)
	assert.False(t, threaded)
}

func TestRootCmd_MissingConfigFileFails(t *testing.T) {
	rootCmd.SetArgs([]string{"--config", "/nonexistent/statsrelay.json"})
	err := rootCmd.Execute()
	assert.Error(t, err)
}
