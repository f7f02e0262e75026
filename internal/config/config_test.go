package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	_, err := Load(path)
	require.True(t, errors.Is(err, ErrConfigCreated))
	require.FileExists(t, path)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"app_name":"test-broker","server":{"port":9100,"write_timeout":"5s"},"debug_mode":true}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	t.Setenv("FILEBROKER_SERVER_MAX_TOPIC_LENGTH", "64")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-broker", cfg.AppName)
	assert.True(t, cfg.DebugMode)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 64, cfg.Server.MaxTopicLength)
	assert.Equal(t, 5*time.Second, cfg.Server.WriteTimeoutDuration())
	// untouched keys keep their defaults
	assert.Equal(t, 16, cfg.Server.SendQueueSize)
	assert.Equal(t, "127.0.0.1:8000", cfg.Client.ServerAddress)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad duration", `{"server":{"handshake_timeout":"soon"}}`},
		{"bad port", `{"server":{"port":70000}}`},
		{"bad size", `{"client":{"max_file_size":"lots"}}`},
		{"not json", `{"server":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestClientSizes(t *testing.T) {
	c := ClientConfig{MaxFileSize: "2MiB"}
	assert.Equal(t, uint64(2<<20), c.MaxFileSizeBytes())
	c.MaxFileSize = "0"
	assert.Zero(t, c.MaxFileSizeBytes())
	assert.Equal(t, ":8000", ServerConfig{Port: 8000}.Address())
}
