package executor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nodupelabs/nodupe/internal/audit"
	"github.com/nodupelabs/nodupe/internal/backup"
	"github.com/nodupelabs/nodupe/internal/catalog"
	"github.com/nodupelabs/nodupe/internal/planner"
)

// PlanStaleError is returned when a plan's recorded catalog version hash no
// longer matches the live catalog (spec §7 PlanStale): the catalog changed
// since the plan was generated and the caller must re-plan rather than
// apply stale actions.
type PlanStaleError struct {
	PlanHash    string
	CatalogHash string
}

func (e *PlanStaleError) Error() string {
	return fmt.Sprintf("executor: plan is stale (plan catalog_version %q, current %q); re-run plan", e.PlanHash, e.CatalogHash)
}

// BackupFailedError wraps a failure to create the pre-apply snapshot (spec
// §7 BackupFailed): no operation has run yet, so the caller can abort with
// the filesystem untouched.
type BackupFailedError struct {
	Err error
}

func (e *BackupFailedError) Error() string { return fmt.Sprintf("executor: backup failed: %v", e.Err) }
func (e *BackupFailedError) Unwrap() error { return e.Err }

// ConfirmFunc obtains out-of-scope user confirmation for applying a plan
// against the given affected paths. Returning false aborts the apply
// before any filesystem change.
type ConfirmFunc func(ctx context.Context, affected []string) (bool, error)

// Config configures an Executor.
type Config struct {
	// BackupDir is where the DeleteFile/MoveFile/HardlinkFile operations
	// built for plan actions stage their pre-image (trash semantics). The
	// pre-apply snapshot goes to the BackupManager's own directory instead.
	BackupDir string

	// CatalogPath is embedded in the pre-apply BackupManifest so a restore
	// can recover the catalog alongside the files it described.
	CatalogPath string

	// Confirm obtains user confirmation (spec §4.5.3 step 3). A nil
	// Confirm is treated as always-approve (the --yes flag's behavior).
	Confirm ConfirmFunc
}

// Result summarizes a completed (or halted) apply run.
type Result struct {
	OperationIDs []int64
	Succeeded    int
	Failed       bool
	FailedAction *planner.Action
}

// Executor applies a Plan as a sequence of push_and_execute calls against
// an OperationStack (spec §4.5.3).
type Executor struct {
	cat    *catalog.Catalog
	audit  *audit.Log
	backup *backup.Manager
	stack  *OperationStack
	cfg    Config
}

// New constructs an Executor. stack is typically produced by
// NewOperationStack for a fresh process or Load to resume the executed
// operations a previous invocation left in the catalog.
func New(cat *catalog.Catalog, auditLog *audit.Log, backupMgr *backup.Manager, stack *OperationStack, cfg Config) *Executor {
	return &Executor{cat: cat, audit: auditLog, backup: backupMgr, stack: stack, cfg: cfg}
}

// ExecutePlan runs spec §4.5.3 steps 1-6 against plan.
func (e *Executor) ExecutePlan(ctx context.Context, plan *planner.Plan) (*Result, error) {
	currentHash, err := e.cat.VersionHash()
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	if plan.CatalogVersionHash != currentHash {
		return nil, &PlanStaleError{PlanHash: plan.CatalogVersionHash, CatalogHash: currentHash}
	}

	affected := affectedPaths(plan)

	approved := true
	if e.cfg.Confirm != nil {
		approved, err = e.cfg.Confirm(ctx, affected)
		if err != nil {
			return nil, fmt.Errorf("executor: confirmation: %w", err)
		}
	}
	e.audit.Emit(audit.UserConfirmation, map[string]any{"approved": approved, "affected_count": len(affected)})
	if !approved {
		return &Result{}, nil
	}

	operationID := uuid.NewString()
	if _, _, err := e.backup.Snapshot(ctx, operationID, affected, e.cfg.CatalogPath); err != nil {
		return nil, &BackupFailedError{Err: err}
	}
	e.audit.Emit(audit.BackupCreated, map[string]any{"operation_id": operationID, "file_count": len(affected)})

	result := &Result{}
	for i := range plan.Actions {
		action := plan.Actions[i]
		if action.Kind == planner.ActionKeep {
			continue
		}

		op, err := e.buildOperation(action)
		if err != nil {
			return nil, fmt.Errorf("executor: build operation for %q: %w", action.Path, err)
		}

		id, err := e.stack.PushAndExecute(ctx, op, operationID)
		if id != 0 {
			result.OperationIDs = append(result.OperationIDs, id)
		}
		if err != nil {
			result.Failed = true
			act := action
			result.FailedAction = &act
			return result, fmt.Errorf("executor: halted at %q: %w", action.Path, err)
		}
		result.Succeeded++
	}

	e.audit.Emit(audit.ApplyCompleted, map[string]any{
		"operation_id": operationID, "succeeded": result.Succeeded, "total": len(result.OperationIDs),
	})
	return result, nil
}

// buildOperation constructs the ReversibleOperation corresponding to one
// non-KEEP plan action (spec §4.5.1's action-kind-to-operation mapping).
func (e *Executor) buildOperation(action planner.Action) (ReversibleOperation, error) {
	switch action.Kind {
	case planner.ActionDelete:
		return &DeleteFile{Path: action.Path, TrashDir: e.cfg.BackupDir, FileID: action.FileID}, nil
	case planner.ActionMove:
		return &MoveFile{Src: action.Path, Dst: action.TargetPath, BackupDir: e.cfg.BackupDir, FileID: action.FileID}, nil
	case planner.ActionHardlink:
		return &HardlinkFile{Src: action.TargetPath, Dst: action.Path, BackupDir: e.cfg.BackupDir, FileID: action.FileID}, nil
	default:
		return nil, fmt.Errorf("unsupported action kind %q", action.Kind)
	}
}

// affectedPaths computes the set of non-KEEP paths a plan will touch (spec
// §4.5.3 step 2), in plan order.
func affectedPaths(plan *planner.Plan) []string {
	paths := make([]string, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		if a.Kind == planner.ActionKeep {
			continue
		}
		paths = append(paths, a.Path)
	}
	return paths
}

// Rollback undoes every operation the stack currently holds, in LIFO order
// (the `rollback` CLI command with no further arguments).
func (e *Executor) Rollback(ctx context.Context) (int, error) {
	e.audit.Emit(audit.RollbackStarted, map[string]any{})
	count, err := e.stack.UndoAll(ctx)
	if err != nil {
		e.audit.Emit(audit.RollbackFailed, map[string]any{"undone": count, "error": err.Error()})
		return count, err
	}
	e.audit.Emit(audit.RollbackCompleted, map[string]any{"undone": count})
	return count, nil
}
