package catalog

import "testing"

func TestCreateScanSession_DefaultsToRunning(t *testing.T) {
	c := mustOpen(t)
	id, err := c.CreateScanSession([]string{"/a", "/b"})
	if err != nil {
		t.Fatalf("CreateScanSession: %v", err)
	}
	s, err := c.GetScanSession(id)
	if err != nil {
		t.Fatalf("GetScanSession: %v", err)
	}
	if s.Status != ScanSessionRunning {
		t.Errorf("expected running, got %s", s.Status)
	}
	if len(s.Roots) != 2 || s.Roots[0] != "/a" || s.Roots[1] != "/b" {
		t.Errorf("expected roots preserved, got %v", s.Roots)
	}
	if s.FinishedAt != nil {
		t.Error("expected FinishedAt nil for running session")
	}
}

func TestUpdateScanSessionProgress_AndFinish(t *testing.T) {
	c := mustOpen(t)
	id, err := c.CreateScanSession([]string{"/a"})
	if err != nil {
		t.Fatalf("CreateScanSession: %v", err)
	}
	progress := ScanSessionProgress{FilesSeen: 100, FilesHashed: 80, BytesHashed: 4096, CacheHits: 20, CacheMisses: 60}
	if err := c.UpdateScanSessionProgress(id, progress); err != nil {
		t.Fatalf("UpdateScanSessionProgress: %v", err)
	}
	if err := c.FinishScanSession(id, ScanSessionCompleted); err != nil {
		t.Fatalf("FinishScanSession: %v", err)
	}

	s, err := c.GetScanSession(id)
	if err != nil {
		t.Fatalf("GetScanSession: %v", err)
	}
	if s.Status != ScanSessionCompleted {
		t.Errorf("expected completed, got %s", s.Status)
	}
	if s.FilesSeen != 100 || s.FilesHashed != 80 || s.BytesHashed != 4096 {
		t.Errorf("unexpected progress counters: %+v", s)
	}
	if s.FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}
}

func TestLatestScanSession_ReturnsMostRecent(t *testing.T) {
	c := mustOpen(t)
	if _, err := c.CreateScanSession([]string{"/first"}); err != nil {
		t.Fatalf("CreateScanSession first: %v", err)
	}
	second, err := c.CreateScanSession([]string{"/second"})
	if err != nil {
		t.Fatalf("CreateScanSession second: %v", err)
	}
	s, err := c.LatestScanSession()
	if err != nil {
		t.Fatalf("LatestScanSession: %v", err)
	}
	if s.ID != second {
		t.Errorf("expected latest session id %d, got %d", second, s.ID)
	}
}

func TestLatestScanSession_NoSessionsReturnsNotFound(t *testing.T) {
	c := mustOpen(t)
	if _, err := c.LatestScanSession(); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
