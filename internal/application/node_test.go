package application

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Shugur-Network/broker/internal/config"
	"github.com/Shugur-Network/broker/internal/identity"
	"github.com/Shugur-Network/broker/internal/storage"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse("", nil)
	require.NoError(t, err)
	cfg.Database.Driver = "memory"
	cfg.General.DataDir = t.TempDir()
	cfg.General.ShutdownTimeout = 5 * time.Second
	cfg.Relay.WSAddr = "127.0.0.1:0"
	cfg.Metrics.Enabled = false
	cfg.Mirror.Enabled = false
	return cfg
}

func TestNodeLifecycleWithMemoryStore(t *testing.T) {
	cfg := memoryConfig(t)

	node, err := New(context.Background(), cfg)
	require.NoError(t, err)

	_, isMemory := node.Store().(*storage.MemoryStore)
	assert.True(t, isMemory)
	require.NotNil(t, node.Admin())
	assert.True(t, node.Admin().Generated)
	assert.Equal(t, node.Admin().PublicKey, node.Pipeline().AdminPubKey())
	assert.FileExists(t, filepath.Join(cfg.General.DataDir, identity.DefaultKeyFileName))

	require.NoError(t, node.Start())

	evt := &nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Tags: nostr.Tags{}, Content: "boot"}
	require.NoError(t, evt.Sign(nostr.GeneratePrivateKey()))
	out := node.Pipeline().Admit(context.Background(), "test", evt)
	assert.True(t, out.Accepted, out.Reason)

	node.Shutdown()
	node.Shutdown()
}

func TestConfiguredAdminKeyIsUsed(t *testing.T) {
	cfg := memoryConfig(t)
	pk, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	cfg.Admission.AdminPubKey = pk

	node, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer node.Shutdown()

	assert.False(t, node.Admin().Generated)
	assert.Equal(t, pk, node.Admin().PublicKey)
	assert.NoFileExists(t, filepath.Join(cfg.General.DataDir, identity.DefaultKeyFileName))
}

func TestReplaceDBNameInURL(t *testing.T) {
	assert.Equal(t, "postgres://u@db:5432/broker?sslmode=disable",
		replaceDBNameInURL("postgres://u@db:5432/postgres?sslmode=disable", "broker"))
	assert.Equal(t, "postgres://db:5432/broker", replaceDBNameInURL("postgres://db:5432", "broker"))
	assert.Equal(t, "not a url", replaceDBNameInURL("not a url", "broker"))
	assert.Equal(t, "events", dbNameFromURL("postgres://db/events"))
}
