// Package services composes the process-wide singletons a single NoDupeLabs
// command invocation needs — the Catalog connection, AuditLog, BackupManager,
// and OperationStack — into one value constructed once at the command entry
// point and passed explicitly into the scan pipeline, Planner, and Executor
// (spec §9: "do not rely on ambient global access within the core; reserve
// that only for the CLI layer that composes the command").
package services

import (
	"fmt"
	"path/filepath"

	"github.com/nodupelabs/nodupe/internal/audit"
	"github.com/nodupelabs/nodupe/internal/backup"
	"github.com/nodupelabs/nodupe/internal/catalog"
	"github.com/nodupelabs/nodupe/internal/config"
	"github.com/nodupelabs/nodupe/internal/executor"
)

// Services holds every long-lived dependency a command needs, open and
// ready to use. Its lifetime is bounded by the command invocation that
// constructed it; the catalog file and audit log are the only state that
// outlives the process.
type Services struct {
	Config  *config.Config
	Catalog *catalog.Catalog
	Audit   *audit.Log
	Backup  *backup.Manager
	Stack   *executor.OperationStack
}

// Open constructs a Services value from cfg: opens the catalog (applying
// migrations), opens the dual-sink audit log, creates the backup manager,
// and reloads the operation stack from the executed operations the catalog
// already holds (so a `rollback` invoked in a fresh process sees the prior
// apply's operations; pending or failed records are not reloaded).
func Open(cfg *config.Config) (*Services, error) {
	cat, err := catalog.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("services: open catalog: %w", err)
	}

	// AuditTextPath and AuditJSONPath are configured as sibling files
	// (audit.log, audit.jsonl) under the same directory; Open's fixed
	// dual-sink layout takes that directory.
	auditLog, err := audit.Open(filepath.Dir(cfg.AuditTextPath))
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("services: open audit log: %w", err)
	}

	backupMgr, err := backup.NewManager(cfg.BackupDir)
	if err != nil {
		auditLog.Close()
		cat.Close()
		return nil, fmt.Errorf("services: open backup manager: %w", err)
	}

	stack, err := executor.Load(cat, auditLog, backupMgr)
	if err != nil {
		auditLog.Close()
		cat.Close()
		return nil, fmt.Errorf("services: load operation stack: %w", err)
	}

	return &Services{Config: cfg, Catalog: cat, Audit: auditLog, Backup: backupMgr, Stack: stack}, nil
}

// Close releases every resource Open acquired, in reverse order.
func (s *Services) Close() error {
	auditErr := s.Audit.Close()
	catErr := s.Catalog.Close()
	if catErr != nil {
		return fmt.Errorf("services: close catalog: %w", catErr)
	}
	if auditErr != nil {
		return fmt.Errorf("services: close audit log: %w", auditErr)
	}
	return nil
}
