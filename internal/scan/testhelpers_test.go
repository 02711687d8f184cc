package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/nodupelabs/nodupe/internal/catalog"
)

// mustOpenCatalog opens a temp-file-backed catalog with the schema applied.
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

// createSyntheticTree builds a flat-ish directory tree with numFiles files.
// File i gets 1 KB of content derived from i%10, so the files fall into 10
// groups of identical content and every file has duplicates. Returns numFiles.
func createSyntheticTree(tb testing.TB, root string, numFiles int) int {
	tb.Helper()
	for i := 0; i < numFiles; i++ {
		subdir := filepath.Join(root, fmt.Sprintf("dir%03d", i/50))
		if err := os.MkdirAll(subdir, 0755); err != nil {
			tb.Fatalf("mkdir %q: %v", subdir, err)
		}
		p := filepath.Join(subdir, fmt.Sprintf("file%04d.bin", i))
		// 1 KB content; files i, i+10, i+20, ... share the same content → duplicates.
		content := fmt.Sprintf("%-1024d", i%10)
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			tb.Fatalf("write %q: %v", p, err)
		}
	}
	return numFiles
}
