package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNopBeforeInit(t *testing.T) {
	// must not panic without Init
	Info("ignored")
	New("test").Debug("ignored")
	New("relay").With(zap.String("conn_id", "abc")).Warn("ignored")
	assert.Error(t, UpdateLevel("debug"))
}

func TestInitWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "broker.log")
	require.NoError(t, Init(WithLevel("info"), WithFormat("json"), WithFile(path), WithVersion("test")))

	New("registry").Info("filter interned")
	Debug("filtered out")
	require.NoError(t, UpdateLevel("debug"))
	New("relay").With(zap.String("conn_id", "c1")).Debug("now visible")
	require.NoError(t, Shutdown())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(raw)
	assert.Contains(t, out, `"msg":"filter interned"`)
	assert.Contains(t, out, `"component":"registry"`)
	assert.NotContains(t, out, "filtered out")
	assert.Contains(t, out, `"conn_id":"c1"`)
}

func TestInitRejectsBadOptions(t *testing.T) {
	assert.Error(t, Init(WithFormat("xml")))
	assert.Error(t, Init(WithLevel("loud")))
}
