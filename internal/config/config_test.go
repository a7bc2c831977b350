package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Relay.WSAddr)
	assert.Equal(t, 256, cfg.Relay.SendQueueSize)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 15*time.Minute, cfg.Admission.ForwardLimit)
	assert.Zero(t, cfg.Admission.BackwardLimit)
	assert.False(t, cfg.Admission.PowReplacesSignature)
	assert.False(t, cfg.Admission.GateEnabled())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BROKER_RELAY_WS_ADDR", "127.0.0.1:9000")
	t.Setenv("BROKER_DATABASE_DRIVER", "memory")
	t.Setenv("BROKER_ADMISSION_EVENT_COST", "3")

	cfg, err := Parse("", nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Relay.WSAddr)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.EqualValues(t, 3, cfg.Admission.EventCost)
	assert.True(t, cfg.Admission.GateEnabled())
}

func TestFileOverridesAndValidation(t *testing.T) {
	dir := t.TempDir()
	write := func(body string) string {
		p := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	_, err := Parse(write("DATABASE:\n  DRIVER: sqlite\n"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'postgres' or 'memory'")

	_, err = Parse(write("ADMISSION:\n  DEFAULT_LIMIT: 900\n  MAX_LIMIT: 100\n"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_LIMIT")

	_, err = Parse(write("MIRROR:\n  ENABLED: true\n"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mirror URL")

	_, err = Parse(write("RELAY:\n  UNKNOWN_KEY: 1\n"), nil)
	require.Error(t, err, "unknown keys are rejected")

	cfg, err := Parse(write("ADMISSION:\n  POW_DIFFICULTY: 8\n  POW_REPLACES_SIGNATURE: true\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Admission.PowDifficulty)
	assert.True(t, cfg.Admission.PowReplacesSignature)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Server: "db", Port: 5432, Name: "broker", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/broker?sslmode=disable", d.DSN())

	d.URL = "postgres://elsewhere/x"
	assert.Equal(t, "postgres://elsewhere/x", d.DSN())
}

func TestPolicyAllows(t *testing.T) {
	a, b := strings.Repeat("a", 64), strings.Repeat("b", 64)

	var p RelayPolicyConfig
	assert.True(t, p.Allows(a))

	p.Blacklist.PubKeys = []string{a}
	assert.False(t, p.Allows(a))
	assert.True(t, p.Allows(b))

	p.Blacklist.PubKeys = nil
	p.Whitelist.PubKeys = []string{b}
	assert.False(t, p.Allows(a))
	assert.True(t, p.Allows(b))
}
