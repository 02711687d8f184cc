package scan

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// TestRunCatalogWriterPersistsAllFiles verifies every item that reaches the
// writer ends up in the catalog with its full hash recorded, regardless of
// whether its hash collides with others.
func TestRunCatalogWriterPersistsAllFiles(t *testing.T) {
	cat := mustOpenCatalog(t)

	const (
		numFiles  = 50
		numHashes = 5
	)
	in := make(chan HashedFile, numFiles)
	for i := 0; i < numFiles; i++ {
		in <- HashedFile{
			FileInfo: FileInfo{
				Path:  fmt.Sprintf("/vol1/file%04d.txt", i),
				Size:  1024,
				MTime: time.Unix(1000, 0),
			},
			Hash: fmt.Sprintf("deadbeef%04d", i%numHashes),
		}
	}
	close(in)

	if err := RunCatalogWriter(context.Background(), cat, 8, in); err != nil {
		t.Fatalf("RunCatalogWriter: %v", err)
	}

	count, err := cat.CountFiles()
	if err != nil {
		t.Fatalf("CountFiles: %v", err)
	}
	if count != numFiles {
		t.Errorf("CountFiles: got %d, want %d", count, numFiles)
	}

	it, err := cat.DuplicateHashes()
	if err != nil {
		t.Fatalf("DuplicateHashes: %v", err)
	}
	defer it.Close()
	var groups int
	for it.Next() {
		groups++
	}
	if groups != numHashes {
		t.Errorf("duplicate hash groups: got %d, want %d", groups, numHashes)
	}
}

// TestRunCatalogWriterPersistsHashFailures verifies a Failed HashedFile is
// recorded with full_hash unset and the hash-failed flag set, never silently
// dropped (spec §7).
func TestRunCatalogWriterPersistsHashFailures(t *testing.T) {
	cat := mustOpenCatalog(t)

	in := make(chan HashedFile, 1)
	in <- HashedFile{
		FileInfo: FileInfo{Path: "/no/perm.txt", Size: 5, MTime: time.Unix(1000, 0)},
		Failed:   true,
	}
	close(in)

	if err := RunCatalogWriter(context.Background(), cat, 8, in); err != nil {
		t.Fatalf("RunCatalogWriter: %v", err)
	}

	rec, err := cat.GetFileByPath("/no/perm.txt")
	if err != nil {
		t.Fatalf("GetFileByPath: %v", err)
	}
	if !rec.HashFailed {
		t.Error("expected HashFailed=true")
	}
	if rec.FullHash != "" {
		t.Errorf("expected empty FullHash for a failed hash, got %q", rec.FullHash)
	}
}

// TestRunCatalogWriterFlushesPartialBatchOnCancel verifies a batch still
// in progress when ctx is cancelled is flushed rather than discarded.
func TestRunCatalogWriterFlushesPartialBatchOnCancel(t *testing.T) {
	cat := mustOpenCatalog(t)

	const (
		numItems  = 150
		batchSize = 100
	)

	ctx, cancel := context.WithCancel(context.Background())

	in := make(chan HashedFile, numItems)
	for i := 0; i < numItems; i++ {
		in <- HashedFile{
			FileInfo: FileInfo{
				Path:  fmt.Sprintf("/vol1/file%04d.txt", i),
				Size:  int64(i + 1),
				MTime: time.Unix(1000, 0),
			},
			Hash: fmt.Sprintf("hash%02d", i%10),
		}
	}
	close(in)
	cancel() // pre-cancel: the writer's in-flight batch must still be flushed

	err := RunCatalogWriter(ctx, cat, batchSize, in)
	if err == nil {
		t.Fatal("expected a non-nil error from cancelled context, got nil")
	}

	count, err := cat.CountFiles()
	if err != nil {
		t.Fatalf("CountFiles: %v", err)
	}
	if count == 0 {
		t.Error("expected at least the first flushed batch to persist despite cancellation")
	}
}
