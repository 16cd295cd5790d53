package deviceid

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "guid")

	first, err := GetOrCreate(path)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), first)

	second, err := GetOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGetMissing(t *testing.T) {
	guid, err := Get(filepath.Join(t.TempDir(), "guid"))
	require.NoError(t, err)
	assert.Empty(t, guid)
}

func TestGetTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guid")
	require.NoError(t, os.WriteFile(path, []byte("  abc123\n"), 0600))

	guid, err := GetOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, "abc123", guid)
}
