// Package testutils provides helpers shared by the proxy's test suites.
//
// Key components:
//   - SetupTestDatabase: a migrated SQLite token store in a temp directory
//   - CreateTestToken: inserts a token record with known credentials
//   - NewTLSMaterial: a self-signed certificate for localhost listeners
//
// Example usage:
//
//	import "github.com/migadu/xoauth2-proxy/testutils"
//
//	func TestMyFunction(t *testing.T) {
//		store := testutils.SetupTestDatabase(t)
//		tok := testutils.CreateTestToken(t, store, "user@example.com", "secret")
//		// Use store and tok in your tests...
//	}
package testutils
