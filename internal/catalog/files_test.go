package catalog

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAddFile_DuplicatePathRejected(t *testing.T) {
	c := mustOpen(t)
	now := time.Now()
	if _, err := c.AddFile("/a/one.txt", 10, now, "", ""); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if _, err := c.AddFile("/a/one.txt", 10, now, "", ""); !errors.Is(err, ErrPathExists) {
		t.Fatalf("expected ErrPathExists, got %v", err)
	}
}

func TestBatchAddFiles_AllOrNothing(t *testing.T) {
	c := mustOpen(t)
	now := time.Now()
	records := []FileRecord{
		{Path: "/a/one.txt", Size: 1, ModifiedTime: now},
		{Path: "/a/two.txt", Size: 2, ModifiedTime: now},
		{Path: "/a/three.txt", Size: 3, ModifiedTime: now},
	}
	n, err := c.BatchAddFiles(records)
	if err != nil {
		t.Fatalf("BatchAddFiles: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 inserted, got %d", n)
	}
	count, err := c.CountFiles()
	if err != nil {
		t.Fatalf("CountFiles: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 active files, got %d", count)
	}
}

func TestFindDuplicatesByHash_OrderedByPath(t *testing.T) {
	c := mustOpen(t)
	now := time.Now()
	for _, p := range []string{"/z.txt", "/a.txt", "/m.txt"} {
		if _, err := c.AddFile(p, 5, now, "head", "samehash"); err != nil {
			t.Fatalf("AddFile(%s): %v", p, err)
		}
	}
	if _, err := c.AddFile("/other.txt", 5, now, "head", "differenthash"); err != nil {
		t.Fatalf("AddFile other: %v", err)
	}

	recs, err := c.FindDuplicatesByHash("samehash")
	if err != nil {
		t.Fatalf("FindDuplicatesByHash: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	want := []string{"/a.txt", "/m.txt", "/z.txt"}
	for i, r := range recs {
		if r.Path != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], r.Path)
		}
	}
}

func TestDuplicateHashes_OnlyGroupsOfTwoOrMore(t *testing.T) {
	c := mustOpen(t)
	now := time.Now()
	mustAdd := func(path, hash string) {
		if _, err := c.AddFile(path, 1, now, "", hash); err != nil {
			t.Fatalf("AddFile(%s): %v", path, err)
		}
	}
	mustAdd("/dup1.txt", "dup")
	mustAdd("/dup2.txt", "dup")
	mustAdd("/unique.txt", "solo")

	it, err := c.DuplicateHashes()
	if err != nil {
		t.Fatalf("DuplicateHashes: %v", err)
	}
	defer it.Close()

	var hashes []string
	for it.Next() {
		h, err := it.Hash()
		if err != nil {
			t.Fatalf("Hash: %v", err)
		}
		hashes = append(hashes, h)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration error: %v", err)
	}
	if len(hashes) != 1 || hashes[0] != "dup" {
		t.Errorf("expected only [dup], got %v", hashes)
	}
}

func TestMarkAsDuplicate_AndMarkAsOriginal(t *testing.T) {
	c := mustOpen(t)
	now := time.Now()
	keeperID, err := c.AddFile("/keeper.txt", 1, now, "", "h")
	if err != nil {
		t.Fatalf("AddFile keeper: %v", err)
	}
	dupID, err := c.AddFile("/dup.txt", 1, now, "", "h")
	if err != nil {
		t.Fatalf("AddFile dup: %v", err)
	}

	if err := c.MarkAsDuplicate(dupID, keeperID); err != nil {
		t.Fatalf("MarkAsDuplicate: %v", err)
	}
	rec, err := c.GetFile(dupID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !rec.IsDuplicate || rec.DuplicateOf != keeperID {
		t.Errorf("expected IsDuplicate=true DuplicateOf=%d, got %+v", keeperID, rec)
	}

	if err := c.MarkAsOriginal(dupID); err != nil {
		t.Fatalf("MarkAsOriginal: %v", err)
	}
	rec, err = c.GetFile(dupID)
	if err != nil {
		t.Fatalf("GetFile after MarkAsOriginal: %v", err)
	}
	if rec.IsDuplicate || rec.DuplicateOf != 0 {
		t.Errorf("expected IsDuplicate=false DuplicateOf=0, got %+v", rec)
	}
}

func TestBatchMarkAsDuplicate_ExcludesKeeperItself(t *testing.T) {
	c := mustOpen(t)
	now := time.Now()
	keeperID, _ := c.AddFile("/keeper.txt", 1, now, "", "h")
	dup1, _ := c.AddFile("/dup1.txt", 1, now, "", "h")
	dup2, _ := c.AddFile("/dup2.txt", 1, now, "", "h")

	if err := c.BatchMarkAsDuplicate([]int64{dup1, dup2, keeperID}, keeperID); err != nil {
		t.Fatalf("BatchMarkAsDuplicate: %v", err)
	}

	keeper, err := c.GetFile(keeperID)
	if err != nil {
		t.Fatalf("GetFile keeper: %v", err)
	}
	if keeper.IsDuplicate {
		t.Error("keeper must never be marked as its own duplicate")
	}
	for _, id := range []int64{dup1, dup2} {
		rec, err := c.GetFile(id)
		if err != nil {
			t.Fatalf("GetFile(%d): %v", id, err)
		}
		if !rec.IsDuplicate || rec.DuplicateOf != keeperID {
			t.Errorf("expected id=%d marked duplicate of keeper, got %+v", id, rec)
		}
	}
}

func TestUpdateFile_PartialUpdate(t *testing.T) {
	c := mustOpen(t)
	now := time.Now()
	id, _ := c.AddFile("/f.txt", 1, now, "", "")

	full := "fullhash123"
	status := StatusArchived
	if err := c.UpdateFile(id, UpdateFields{FullHash: &full, Status: &status}); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	rec, err := c.GetFile(id)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if rec.FullHash != full || rec.Status != StatusArchived {
		t.Errorf("expected FullHash=%q Status=%q, got %+v", full, StatusArchived, rec)
	}
}

func TestUpdateFile_UnknownIDReturnsNotFound(t *testing.T) {
	c := mustOpen(t)
	full := "x"
	err := c.UpdateFile(999, UpdateFields{FullHash: &full})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetFileByPath_NotFound(t *testing.T) {
	c := mustOpen(t)
	if _, err := c.GetFileByPath("/missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteFile_RemovesRow(t *testing.T) {
	c := mustOpen(t)
	id, _ := c.AddFile("/f.txt", 1, time.Now(), "", "")
	if err := c.DeleteFile(id); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := c.GetFile(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCountDuplicates(t *testing.T) {
	c := mustOpen(t)
	now := time.Now()
	keeperID, _ := c.AddFile("/keeper.txt", 1, now, "", "h")
	dupID, _ := c.AddFile("/dup.txt", 1, now, "", "h")
	if err := c.MarkAsDuplicate(dupID, keeperID); err != nil {
		t.Fatalf("MarkAsDuplicate: %v", err)
	}
	n, err := c.CountDuplicates()
	if err != nil {
		t.Fatalf("CountDuplicates: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 duplicate, got %d", n)
	}
}

func TestBatchLookupByPath(t *testing.T) {
	c := mustOpen(t)
	now := time.Now()
	c.AddFile("/a.txt", 1, now, "", "")
	c.AddFile("/b.txt", 2, now, "", "")

	m, err := c.BatchLookupByPath(context.Background(), []string{"/a.txt", "/b.txt", "/missing.txt"})
	if err != nil {
		t.Fatalf("BatchLookupByPath: %v", err)
	}
	if len(m) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(m))
	}
	if m["/a.txt"].Size != 1 || m["/b.txt"].Size != 2 {
		t.Errorf("unexpected sizes: %+v", m)
	}
}

func TestAllFiles_OrderedByPath(t *testing.T) {
	c := mustOpen(t)
	now := time.Now()
	c.AddFile("/c.txt", 3, now, "", "")
	c.AddFile("/a.txt", 1, now, "", "")
	c.AddFile("/b.txt", 2, now, "", "")

	it, err := c.AllFiles()
	if err != nil {
		t.Fatalf("AllFiles: %v", err)
	}
	defer it.Close()

	var paths []string
	for it.Next() {
		rec, err := it.Record()
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		paths = append(paths, rec.Path)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	want := []string{"/a.txt", "/b.txt", "/c.txt"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, paths)
		}
	}
}
