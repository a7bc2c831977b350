package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveGeneratesOnceThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", DefaultKeyFileName)

	first, err := Resolve("", path)
	require.NoError(t, err)
	assert.True(t, first.Generated)
	assert.True(t, nostr.IsValid32ByteHex(first.PublicKey))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := Resolve("", path)
	require.NoError(t, err)
	assert.False(t, second.Generated)
	assert.Equal(t, first.PublicKey, second.PublicKey)
}

func TestGeneratedKeyMatchesNostrDerivation(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	pk, err := nostr.GetPublicKey(id.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, pk, id.PublicKey)
}

func TestResolvePrefersConfiguredKey(t *testing.T) {
	pk := strings.Repeat("ab", 32)
	path := filepath.Join(t.TempDir(), DefaultKeyFileName)

	id, err := Resolve(pk, path)
	require.NoError(t, err)
	assert.Equal(t, pk, id.PublicKey)
	assert.Empty(t, id.PrivateKey)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "no key file is written")

	_, err = Resolve("nothex", path)
	assert.Error(t, err)
}

func TestResolveRejectsCorruptKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultKeyFileName)
	require.NoError(t, os.WriteFile(path, []byte("deadbeef\n"), 0o600))
	_, err := Resolve("", path)
	assert.Error(t, err)
}
