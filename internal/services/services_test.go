package services

import (
	"path/filepath"
	"testing"

	"github.com/nodupelabs/nodupe/internal/catalog"
	"github.com/nodupelabs/nodupe/internal/config"
)

func TestOpenAndClose(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DBPath:        filepath.Join(dir, "nodupe.db"),
		AuditTextPath: filepath.Join(dir, "audit.log"),
		AuditJSONPath: filepath.Join(dir, "audit.jsonl"),
		BackupDir:     filepath.Join(dir, "backups"),
	}

	svc, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if svc.Catalog == nil || svc.Audit == nil || svc.Backup == nil || svc.Stack == nil {
		t.Fatalf("expected all fields populated, got %+v", svc)
	}
	if svc.Stack.Depth() != 0 {
		t.Fatalf("expected an empty operation stack on a fresh catalog, got depth %d", svc.Stack.Depth())
	}

	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenReloadsExistingOperationStack(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DBPath:        filepath.Join(dir, "nodupe.db"),
		AuditTextPath: filepath.Join(dir, "audit.log"),
		AuditJSONPath: filepath.Join(dir, "audit.jsonl"),
		BackupDir:     filepath.Join(dir, "backups"),
	}

	first, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open (first): %v", err)
	}
	rec := catalog.OperationRecord{Kind: "delete", Description: "delete /tmp/a.txt", ForwardParams: "{}"}
	if _, err := first.Catalog.InsertOperation(rec); err != nil {
		t.Fatalf("InsertOperation: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close (first): %v", err)
	}

	// A fresh Services over the same config should only ever surface
	// operations the catalog marked executed; a pending leftover from a
	// crash mid-push is not resurrected onto the live stack.
	second, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open (second): %v", err)
	}
	defer second.Close()
	if second.Stack.Depth() != 0 {
		t.Fatalf("expected pending-only record to be excluded, got depth %d", second.Stack.Depth())
	}
}
