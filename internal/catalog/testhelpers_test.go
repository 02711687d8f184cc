package catalog

import (
	"path/filepath"
	"testing"
)

// mustOpen opens a temp-file-backed catalog with the schema applied.
func mustOpen(tb testing.TB) *Catalog {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "test.db")
	c, err := Open(path)
	if err != nil {
		tb.Fatalf("Open: %v", err)
	}
	tb.Cleanup(func() { c.Close() })
	return c
}
