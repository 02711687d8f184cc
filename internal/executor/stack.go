package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/nodupelabs/nodupe/internal/audit"
	"github.com/nodupelabs/nodupe/internal/backup"
	"github.com/nodupelabs/nodupe/internal/catalog"
	"github.com/nodupelabs/nodupe/internal/trash"
)

// OperationStack is the bounded, persisted undo stack of spec §4.5.2. Its
// durable state lives in the catalog's operations table (so a later
// `rollback` invocation, in a new process, can reconstruct it); an
// in-memory mirror holds the live ReversibleOperation instances this
// process pushed or reconstructed, since a captured backup path is only
// meaningful alongside the concrete operation type that produced it.
type OperationStack struct {
	cat       *catalog.Catalog
	audit     *audit.Log
	backupMgr *backup.Manager

	mu    sync.Mutex
	ops   map[int64]ReversibleOperation
	order []int64 // push order, oldest first
}

// NewOperationStack creates an empty stack.
func NewOperationStack(cat *catalog.Catalog, auditLog *audit.Log, backupMgr *backup.Manager) *OperationStack {
	return &OperationStack{cat: cat, audit: auditLog, backupMgr: backupMgr, ops: make(map[int64]ReversibleOperation)}
}

// Load rebuilds the in-memory stack from every `executed` OperationRecord
// in the catalog, in push order, so a `rollback` run in a fresh process
// can undo operations from a previous invocation.
func Load(cat *catalog.Catalog, auditLog *audit.Log, backupMgr *backup.Manager) (*OperationStack, error) {
	s := NewOperationStack(cat, auditLog, backupMgr)
	records, err := cat.ListOperations()
	if err != nil {
		return nil, fmt.Errorf("executor: load operation stack: %w", err)
	}
	for _, rec := range records {
		if rec.State != catalog.OperationExecuted {
			continue
		}
		op, err := reconstructOperation(rec.Kind, rec.ForwardParams, rec.InverseParams)
		if err != nil {
			return nil, fmt.Errorf("executor: reconstruct operation %d: %w", rec.ID, err)
		}
		if af, ok := op.(*ArchiveFiles); ok {
			af.Backup = backupMgr
		}
		s.ops[rec.ID] = op
		s.order = append(s.order, rec.ID)
	}
	return s, nil
}

// isTransient reports whether err is worth retrying: a handful of
// temporary, non-corrupting OS-level conditions (file busy, resource
// exhaustion) that plausibly clear on their own within a second or two.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, errTransient) ||
		errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

var errTransient = errors.New("executor: transient filesystem error")

// fileStatusOperation is implemented by operations that correspond to a
// single catalogued FileRecord (DeleteFile, MoveFile, HardlinkFile), so
// PushAndExecute/UndoLast can keep that record's Status in lockstep with
// the operation's own commit/undo (spec §3: FileRecord is "mutated by ...
// Executor (status)"). An AffectedFileID of 0 means the operation was
// built outside a plan and has no FileRecord to update.
type fileStatusOperation interface {
	AffectedFileID() int64
}

func setFileStatus(cat *catalog.Catalog, op ReversibleOperation, status catalog.Status) error {
	fso, ok := op.(fileStatusOperation)
	if !ok {
		return nil
	}
	id := fso.AffectedFileID()
	if id == 0 {
		return nil
	}
	return cat.UpdateFile(id, catalog.UpdateFields{Status: &status})
}

// PushAndExecute records op as pending, executes it (retrying a transient
// failure up to 3 times per SPEC_FULL's DOMAIN STACK wiring of
// sethvargo/go-retry), and transitions it to committed or failed — with an
// AuditEvent bracketing each phase, per spec §4.5.2.
func (s *OperationStack) PushAndExecute(ctx context.Context, op ReversibleOperation, correlationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	forwardJSON, err := json.Marshal(op.ForwardParams())
	if err != nil {
		return 0, fmt.Errorf("executor: marshal forward params: %w", err)
	}

	id, err := s.cat.InsertOperation(catalog.OperationRecord{
		Kind:          op.Kind(),
		Description:   op.Describe(),
		ForwardParams: string(forwardJSON),
		CorrelationID: correlationID,
	})
	if err != nil {
		return 0, fmt.Errorf("executor: insert operation record: %w", err)
	}

	if err := s.audit.Emit(audit.ApplyStarted, map[string]any{
		"operation_id": id, "kind": op.Kind(), "description": op.Describe(),
	}); err != nil {
		return id, fmt.Errorf("executor: audit apply_started: %w", err)
	}

	backoff, err := retry.NewConstant(200 * time.Millisecond)
	if err != nil {
		return id, fmt.Errorf("executor: build retry backoff: %w", err)
	}
	backoff = retry.WithMaxRetries(3, backoff)
	execErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := op.Execute(ctx); err != nil {
			if isTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})

	if execErr != nil {
		s.cat.UpdateOperationState(id, catalog.OperationFailed, execErr.Error())
		s.audit.Emit(audit.ApplyFailed, map[string]any{"operation_id": id, "error": execErr.Error()})
		return id, fmt.Errorf("executor: %s: %w", op.Describe(), execErr)
	}

	inverseJSON, err := json.Marshal(op.InverseParams())
	if err != nil {
		return id, fmt.Errorf("executor: marshal inverse params: %w", err)
	}
	if err := s.cat.SetOperationInverse(id, string(inverseJSON)); err != nil {
		return id, fmt.Errorf("executor: persist inverse params: %w", err)
	}
	if err := s.cat.UpdateOperationState(id, catalog.OperationExecuted, ""); err != nil {
		return id, fmt.Errorf("executor: update operation state: %w", err)
	}
	if err := setFileStatus(s.cat, op, catalog.StatusRemoved); err != nil {
		return id, fmt.Errorf("executor: mark file record removed: %w", err)
	}
	s.audit.Emit(audit.ApplyCompleted, map[string]any{"operation_id": id, "kind": op.Kind()})

	s.ops[id] = op
	s.order = append(s.order, id)
	return id, nil
}

// UndoLast pops and undoes the most recently pushed operation still on the
// stack. Returns false when the stack is empty.
func (s *OperationStack) UndoLast(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if len(s.order) == 0 {
		s.mu.Unlock()
		return false, nil
	}
	id := s.order[len(s.order)-1]
	s.order = s.order[:len(s.order)-1]
	op, ok := s.ops[id]
	s.mu.Unlock()

	if !ok {
		return false, fmt.Errorf("executor: operation %d is on the stack but not resident in memory", id)
	}

	s.audit.Emit(audit.RollbackOperationStarted, map[string]any{"operation_id": id})
	if err := op.Undo(ctx); err != nil {
		s.cat.UpdateOperationState(id, catalog.OperationFailed, err.Error())
		s.audit.Emit(audit.RollbackOperationFailed, map[string]any{"operation_id": id, "error": err.Error()})
		return false, fmt.Errorf("executor: undo %s: %w", op.Describe(), err)
	}

	if err := setFileStatus(s.cat, op, catalog.StatusActive); err != nil {
		s.cat.UpdateOperationState(id, catalog.OperationFailed, err.Error())
		s.audit.Emit(audit.RollbackOperationFailed, map[string]any{"operation_id": id, "error": err.Error()})
		return false, fmt.Errorf("executor: restore file record %s: %w", op.Describe(), err)
	}

	s.cat.UpdateOperationState(id, catalog.OperationUndone, "")
	s.audit.Emit(audit.RollbackOperationCompleted, map[string]any{"operation_id": id})

	s.mu.Lock()
	delete(s.ops, id)
	s.mu.Unlock()
	return true, nil
}

// UndoAll repeatedly undoes the last operation until the stack is empty or
// an undo failure indicates the backing state needed to reverse it is gone
// (spec §4.5.2: individual failures are logged but don't abort the sweep
// unless on-disk state is corrupt). Failures that don't halt the sweep are
// aggregated with multierr so the caller sees every one, not just the last.
func (s *OperationStack) UndoAll(ctx context.Context) (int, error) {
	count := 0
	var errs error
	for {
		s.mu.Lock()
		empty := len(s.order) == 0
		s.mu.Unlock()
		if empty {
			return count, errs
		}

		ok, err := s.UndoLast(ctx)
		if err != nil {
			var restoreConflict *trash.ErrRestoreConflict
			if errors.As(err, &restoreConflict) || errors.Is(err, os.ErrNotExist) {
				errs = multierr.Append(errs, fmt.Errorf("executor: undo sweep halted, backing state unavailable: %w", err))
				return count, errs
			}
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			count++
		}
	}
}

// UndoTo undoes operations down to and including the record with the
// given id.
func (s *OperationStack) UndoTo(ctx context.Context, markerID int64) (int, error) {
	count := 0
	for {
		s.mu.Lock()
		if len(s.order) == 0 {
			s.mu.Unlock()
			return count, fmt.Errorf("executor: operation %d not found on the stack", markerID)
		}
		nextID := s.order[len(s.order)-1]
		s.mu.Unlock()

		ok, err := s.UndoLast(ctx)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
		if nextID == markerID {
			return count, nil
		}
	}
}

// Depth returns how many operations currently sit on the in-memory stack.
func (s *OperationStack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
