package testutils

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/migadu/xoauth2-proxy/config"
	"github.com/migadu/xoauth2-proxy/db"
	"github.com/stretchr/testify/require"
)

// SetupTestDatabase opens a fresh, migrated SQLite store that is closed
// when the test ends.
func SetupTestDatabase(t *testing.T) *db.Database {
	t.Helper()

	store, err := db.Open(context.Background(), config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "xoauth2-proxy-test.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err, "Failed to open test database")
	t.Cleanup(func() { store.Close() })
	return store
}

// CreateTestToken stores a token for email whose SMTP password is password.
// The access token is "token-" followed by the email address.
func CreateTestToken(t *testing.T, store *db.Database, email, password string) *db.Token {
	t.Helper()

	tok, err := store.CreateToken(context.Background(), db.NewToken{
		Email:       email,
		Password:    password,
		AccessToken: "token-" + email,
	})
	require.NoError(t, err, "Failed to create test token")
	return tok
}
