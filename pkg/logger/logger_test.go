package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesJSONWithServiceFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	cfg := DefaultConfig("clusterkeeper")
	cfg.OutputPath = path
	cfg.NodeID = "node-7"
	cfg.Level = "warn"

	l, err := New(cfg)
	require.NoError(t, err)
	l.Info("dropped below level")
	l.Warn("session flapping", zap.String("backend", "zookeeper"))
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "session flapping", entry["message"])
	assert.Equal(t, "clusterkeeper", entry["service"])
	assert.Equal(t, "node-7", entry["node_id"])
	assert.Equal(t, "zookeeper", entry["backend"])
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "chatty", Encoding: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}

func TestInit_ReplacesGlobal(t *testing.T) {
	l, err := Init(Config{Level: "debug", OutputPath: "stderr", Service: "test"})
	require.NoError(t, err)
	assert.Same(t, l, Get())
	assert.NotNil(t, WithFields(zap.String("k", "v")))
}
