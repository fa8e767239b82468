package wsengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 2<<20, cfg.FrameSizeLimit)
	assert.Equal(t, 10<<20, cfg.MessageSizeLimit)
	assert.True(t, cfg.EnableCompression)
	assert.Equal(t, 3*time.Second, cfg.ClosePeriod)
	assert.Equal(t, 3, cfg.HeartbeatMaxMissed)
}

func TestLoadConfigOverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("frame_size_limit: 2048\nenable_compression: false\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.FrameSizeLimit)
	assert.False(t, cfg.EnableCompression)
	// Untouched fields keep their DefaultConfig values.
	assert.Equal(t, 10<<20, cfg.MessageSizeLimit)
	assert.Equal(t, 3, cfg.HeartbeatMaxMissed)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
