package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStringFromFile(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "redis_password")
	require.NoError(t, os.WriteFile(secret, []byte("s3cret\n"), 0o600))

	t.Run("file wins over env", func(t *testing.T) {
		t.Setenv("KK_TEST_SECRET", "plain")
		t.Setenv("KK_TEST_SECRET_FILE", secret)
		assert.Equal(t, "s3cret", GetStringFromFile("KK_TEST_SECRET", "default"))
	})

	t.Run("unreadable file falls back to env", func(t *testing.T) {
		t.Setenv("KK_TEST_SECRET", "plain")
		t.Setenv("KK_TEST_SECRET_FILE", filepath.Join(dir, "missing"))
		assert.Equal(t, "plain", GetStringFromFile("KK_TEST_SECRET", "default"))
	})

	t.Run("default", func(t *testing.T) {
		assert.Equal(t, "default", GetStringFromFile("KK_TEST_UNSET", "default"))
	})
}
