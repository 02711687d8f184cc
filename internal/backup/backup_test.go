package backup

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(tb testing.TB, path, contents string) {
	tb.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		tb.Fatalf("WriteFile: %v", err)
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestSnapshotAndVerifyRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	a := filepath.Join(srcDir, "a.txt")
	b := filepath.Join(srcDir, "sub", "b.txt")
	if err := os.MkdirAll(filepath.Dir(b), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, a, "alpha")
	writeFile(t, b, "bravo")

	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	manifest, archivePath, err := mgr.Snapshot(context.Background(), "op-1", []string{a, b}, "")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(manifest.Entries) != 2 {
		t.Fatalf("manifest entries: got %d, want 2", len(manifest.Entries))
	}
	if _, err := os.Stat(archivePath); err != nil {
		t.Fatalf("archive missing at %q: %v", archivePath, err)
	}

	if err := mgr.Verify(archivePath); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyDetectsTamperedArchive(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "tampered.zip")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	zw := zip.NewWriter(f)

	entryWriter, err := zw.Create("files/0000_a.txt")
	if err != nil {
		t.Fatalf("Create entry: %v", err)
	}
	if _, err := entryWriter.Write([]byte("tampered content")); err != nil {
		t.Fatalf("write entry: %v", err)
	}

	manifest := Manifest{
		Entries: []ManifestEntry{{
			OriginalPath:     "/original/a.txt",
			ArchiveEntryPath: "files/0000_a.txt",
			Size:             int64(len("alpha")),
			Hash:             sha256Hex("alpha"),
		}},
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	manifestWriter, err := zw.Create(manifestEntryName)
	if err != nil {
		t.Fatalf("Create manifest entry: %v", err)
	}
	if _, err := manifestWriter.Write(manifestJSON); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zw.Close: %v", err)
	}
	f.Close()

	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Verify(archivePath); err == nil {
		t.Error("expected Verify to detect the hash mismatch")
	}
}

func TestRestoreExtractsOriginalContent(t *testing.T) {
	srcDir := t.TempDir()
	a := filepath.Join(srcDir, "a.txt")
	writeFile(t, a, "alpha")

	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	_, archivePath, err := mgr.Snapshot(context.Background(), "op-1", []string{a}, "")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "restored", "a.txt")
	if err := mgr.Restore(archivePath, a, dest); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	contents, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile restored: %v", err)
	}
	if string(contents) != "alpha" {
		t.Errorf("restored contents: got %q, want %q", contents, "alpha")
	}
}

func TestRestoreRefusesExistingDestination(t *testing.T) {
	srcDir := t.TempDir()
	a := filepath.Join(srcDir, "a.txt")
	writeFile(t, a, "alpha")

	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	_, archivePath, err := mgr.Snapshot(context.Background(), "op-1", []string{a}, "")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "a.txt")
	writeFile(t, dest, "already here")

	if err := mgr.Restore(archivePath, a, dest); err == nil {
		t.Error("expected Restore to refuse an occupied destination")
	}
}

func TestCleanupKeepsMostRecentArchives(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	srcDir := t.TempDir()
	a := filepath.Join(srcDir, "a.txt")
	writeFile(t, a, "alpha")

	var paths []string
	for i := 0; i < 5; i++ {
		_, path, err := mgr.Snapshot(context.Background(), "op", []string{a}, "")
		if err != nil {
			t.Fatalf("Snapshot %d: %v", i, err)
		}
		paths = append(paths, path)
	}

	removed, err := mgr.Cleanup(2)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed: got %d, want 3", removed)
	}

	remaining, err := filepath.Glob(filepath.Join(mgr.dir, "*.zip"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("remaining archives: got %d, want 2", len(remaining))
	}
}

func TestSnapshotIncludesCatalogEntry(t *testing.T) {
	srcDir := t.TempDir()
	catalogPath := filepath.Join(srcDir, "catalog.db")
	writeFile(t, catalogPath, "fake sqlite bytes")

	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	manifest, archivePath, err := mgr.Snapshot(context.Background(), "op-1", nil, catalogPath)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if manifest.CatalogSnapshotEntry == "" {
		t.Fatal("expected CatalogSnapshotEntry to be set")
	}
	if err := mgr.Verify(archivePath); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}
