package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrate.db")

	_, dirty, err := MigrationVersion(path)
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, Migrate(path))
	version, dirty, err := MigrationVersion(path)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	// Running again is a no-op.
	require.NoError(t, Migrate(path))
}
