package trash

import (
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

func TestMoveToTrashAndRestoreRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	trashDir := filepath.Join(t.TempDir(), "trash")
	src := filepath.Join(srcDir, "dup.txt")
	writeFile(t, src, "hello")

	trashPath, err := MoveToTrash(src, trashDir)
	if err != nil {
		t.Fatalf("MoveToTrash: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source should no longer exist, stat err: %v", err)
	}
	if _, err := os.Stat(trashPath); err != nil {
		t.Fatalf("trashed file missing at %q: %v", trashPath, err)
	}

	if err := Restore(trashPath, src); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	contents, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("ReadFile after restore: %v", err)
	}
	if string(contents) != "hello" {
		t.Errorf("restored contents: got %q, want %q", contents, "hello")
	}
}

func TestRestoreRefusesConflict(t *testing.T) {
	dir := t.TempDir()
	trashDir := filepath.Join(t.TempDir(), "trash")
	src := filepath.Join(dir, "dup.txt")
	writeFile(t, src, "hello")

	trashPath, err := MoveToTrash(src, trashDir)
	if err != nil {
		t.Fatalf("MoveToTrash: %v", err)
	}
	// Something else now occupies the original path.
	writeFile(t, src, "different contents")

	err = Restore(trashPath, src)
	var conflict *ErrRestoreConflict
	if err == nil {
		t.Fatal("expected ErrRestoreConflict, got nil")
	}
	if !errorsAs(err, &conflict) {
		t.Fatalf("expected *ErrRestoreConflict, got %T: %v", err, err)
	}
	if conflict.Path != src {
		t.Errorf("conflict path: got %q, want %q", conflict.Path, src)
	}
}

func TestUniquePathAvoidsCollision(t *testing.T) {
	dir := t.TempDir()
	p1, err := UniquePath(dir, "same.txt")
	if err != nil {
		t.Fatalf("UniquePath: %v", err)
	}
	writeFile(t, p1, "x")

	p2, err := UniquePath(dir, "same.txt")
	if err != nil {
		t.Fatalf("UniquePath second call: %v", err)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct paths, got %q twice", p1)
	}
}

func TestCopyFileLeavesSourceIntact(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	src := filepath.Join(srcDir, "keep.txt")
	dst := filepath.Join(dstDir, "nested", "keep.txt")
	writeFile(t, src, "payload")

	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("source should still exist: %v", err)
	}
	contents, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile dst: %v", err)
	}
	if string(contents) != "payload" {
		t.Errorf("copied contents: got %q, want %q", contents, "payload")
	}
}

func errorsAs(err error, target **ErrRestoreConflict) bool {
	if e, ok := err.(*ErrRestoreConflict); ok {
		*target = e
		return true
	}
	return false
}
