package planner

import (
	"path/filepath"
	"testing"

	"github.com/nodupelabs/nodupe/internal/catalog"
)

func mustOpenCatalog(tb testing.TB) *catalog.Catalog {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "test.db")
	cat, err := catalog.Open(path)
	if err != nil {
		tb.Fatalf("catalog.Open: %v", err)
	}
	tb.Cleanup(func() { cat.Close() })
	return cat
}
