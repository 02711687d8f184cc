// Package executor applies a Plan (internal/planner) as a sequence of
// ReversibleOperations with write-ahead audit and undo-stack semantics
// (spec §4.5). Every operation captures, before it mutates anything on
// disk, enough state to reverse itself; that captured state becomes the
// inverse parameters persisted on the operation's OperationRecord so a
// later `rollback` invocation — in a fresh process, against a reopened
// catalog — can reconstruct and undo it.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/nodupelabs/nodupe/internal/backup"
	"github.com/nodupelabs/nodupe/internal/trash"
)

// ReversibleOperation is the polymorphic operation abstraction of spec
// §4.5.1: Execute applies the forward effect, Undo reverses it, Describe
// renders a one-line human summary for logs and confirmation prompts.
type ReversibleOperation interface {
	Kind() string
	Describe() string
	Execute(ctx context.Context) error
	Undo(ctx context.Context) error
	// ForwardParams and InverseParams return JSON-marshalable values; the
	// OperationStack persists whatever they return without inspecting it.
	ForwardParams() any
	InverseParams() any
}

// opFactory reconstructs a ReversibleOperation of a known kind from its
// persisted forward/inverse JSON, so a rollback run in a new process can
// undo operations it never itself executed.
type opFactory func(forwardJSON, inverseJSON string) (ReversibleOperation, error)

var opFactories map[string]opFactory

func registerOpFactory(kind string, f opFactory) {
	if opFactories == nil {
		opFactories = make(map[string]opFactory)
	}
	opFactories[kind] = f
}

func reconstructOperation(kind, forwardJSON, inverseJSON string) (ReversibleOperation, error) {
	f, ok := opFactories[kind]
	if !ok {
		return nil, fmt.Errorf("executor: no operation factory registered for kind %q", kind)
	}
	return f(forwardJSON, inverseJSON)
}

func unmarshalOrEmpty(data string, v any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

// ── DeleteFile ───────────────────────────────────────────────────────────

// DeleteFile moves Path into TrashDir (spec §4.5.1 row 1). FileID, when
// set, is the catalog FileRecord this operation's commit/undo keeps in
// lockstep (spec §3's FileRecord lifecycle: "mutated by ... Executor
// (status)"); it is left zero for operations built outside a plan (e.g.
// a direct ReversibleOperation test), which have no FileRecord to update.
type DeleteFile struct {
	Path      string
	TrashDir  string
	FileID    int64
	trashPath string
}

type deleteForward struct {
	Path     string `json:"path"`
	TrashDir string `json:"trash_dir"`
	FileID   int64  `json:"file_id,omitempty"`
}
type deleteInverse struct {
	TrashPath string `json:"trash_path"`
}

func (o *DeleteFile) Kind() string     { return "delete" }
func (o *DeleteFile) Describe() string { return fmt.Sprintf("delete %s", o.Path) }
func (o *DeleteFile) ForwardParams() any {
	return deleteForward{Path: o.Path, TrashDir: o.TrashDir, FileID: o.FileID}
}
func (o *DeleteFile) InverseParams() any  { return deleteInverse{TrashPath: o.trashPath} }
func (o *DeleteFile) AffectedFileID() int64 { return o.FileID }

func (o *DeleteFile) Execute(ctx context.Context) error {
	trashPath, err := trash.MoveToTrash(o.Path, o.TrashDir)
	if err != nil {
		return err
	}
	o.trashPath = trashPath
	return nil
}

func (o *DeleteFile) Undo(ctx context.Context) error {
	if o.trashPath == "" {
		return errors.New("executor: delete operation has no captured trash path to undo")
	}
	return trash.Restore(o.trashPath, o.Path)
}

func init() {
	registerOpFactory("delete", func(forwardJSON, inverseJSON string) (ReversibleOperation, error) {
		var fwd deleteForward
		var inv deleteInverse
		if err := unmarshalOrEmpty(forwardJSON, &fwd); err != nil {
			return nil, err
		}
		if err := unmarshalOrEmpty(inverseJSON, &inv); err != nil {
			return nil, err
		}
		return &DeleteFile{Path: fwd.Path, TrashDir: fwd.TrashDir, FileID: fwd.FileID, trashPath: inv.TrashPath}, nil
	})
}

// ── MoveFile ─────────────────────────────────────────────────────────────

// MoveFile moves Src to Dst, backing up Dst first if it already exists
// (spec §4.5.1 row 2). FileID, when set, is the catalog FileRecord this
// operation's commit/undo keeps in lockstep (see DeleteFile's doc).
type MoveFile struct {
	Src        string
	Dst        string
	BackupDir  string
	FileID     int64
	backupPath string
}

type moveForward struct {
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	BackupDir string `json:"backup_dir"`
	FileID    int64  `json:"file_id,omitempty"`
}
type moveInverse struct {
	BackupPath string `json:"backup_path,omitempty"`
}

func (o *MoveFile) Kind() string     { return "move" }
func (o *MoveFile) Describe() string { return fmt.Sprintf("move %s -> %s", o.Src, o.Dst) }
func (o *MoveFile) ForwardParams() any {
	return moveForward{Src: o.Src, Dst: o.Dst, BackupDir: o.BackupDir, FileID: o.FileID}
}
func (o *MoveFile) InverseParams() any    { return moveInverse{BackupPath: o.backupPath} }
func (o *MoveFile) AffectedFileID() int64 { return o.FileID }

func (o *MoveFile) Execute(ctx context.Context) error {
	if _, err := os.Stat(o.Dst); err == nil {
		backupPath, err := trash.MoveToTrash(o.Dst, o.BackupDir)
		if err != nil {
			return fmt.Errorf("executor: backup existing destination %q: %w", o.Dst, err)
		}
		o.backupPath = backupPath
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("executor: stat destination %q: %w", o.Dst, err)
	}
	return trash.Move(o.Src, o.Dst)
}

func (o *MoveFile) Undo(ctx context.Context) error {
	if err := trash.Move(o.Dst, o.Src); err != nil {
		return err
	}
	if o.backupPath != "" {
		return trash.Restore(o.backupPath, o.Dst)
	}
	return nil
}

func init() {
	registerOpFactory("move", func(forwardJSON, inverseJSON string) (ReversibleOperation, error) {
		var fwd moveForward
		var inv moveInverse
		if err := unmarshalOrEmpty(forwardJSON, &fwd); err != nil {
			return nil, err
		}
		if err := unmarshalOrEmpty(inverseJSON, &inv); err != nil {
			return nil, err
		}
		return &MoveFile{Src: fwd.Src, Dst: fwd.Dst, BackupDir: fwd.BackupDir, FileID: fwd.FileID, backupPath: inv.BackupPath}, nil
	})
}

// ── CopyFile ─────────────────────────────────────────────────────────────

// CopyFile copies Src to Dst, backing up Dst first if present (spec
// §4.5.1 row 3).
type CopyFile struct {
	Src        string
	Dst        string
	BackupDir  string
	backupPath string
	created    bool
}

type copyForward struct {
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	BackupDir string `json:"backup_dir"`
}
type copyInverse struct {
	BackupPath string `json:"backup_path,omitempty"`
	Created    bool   `json:"created"`
}

func (o *CopyFile) Kind() string     { return "copy" }
func (o *CopyFile) Describe() string { return fmt.Sprintf("copy %s -> %s", o.Src, o.Dst) }
func (o *CopyFile) ForwardParams() any {
	return copyForward{Src: o.Src, Dst: o.Dst, BackupDir: o.BackupDir}
}
func (o *CopyFile) InverseParams() any {
	return copyInverse{BackupPath: o.backupPath, Created: o.created}
}

func (o *CopyFile) Execute(ctx context.Context) error {
	if _, err := os.Stat(o.Dst); err == nil {
		backupPath, err := trash.MoveToTrash(o.Dst, o.BackupDir)
		if err != nil {
			return fmt.Errorf("executor: backup existing destination %q: %w", o.Dst, err)
		}
		o.backupPath = backupPath
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("executor: stat destination %q: %w", o.Dst, err)
	}
	if err := trash.CopyFile(o.Src, o.Dst); err != nil {
		return err
	}
	o.created = true
	return nil
}

func (o *CopyFile) Undo(ctx context.Context) error {
	if o.created {
		if err := os.Remove(o.Dst); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if o.backupPath != "" {
		return trash.Restore(o.backupPath, o.Dst)
	}
	return nil
}

func init() {
	registerOpFactory("copy", func(forwardJSON, inverseJSON string) (ReversibleOperation, error) {
		var fwd copyForward
		var inv copyInverse
		if err := unmarshalOrEmpty(forwardJSON, &fwd); err != nil {
			return nil, err
		}
		if err := unmarshalOrEmpty(inverseJSON, &inv); err != nil {
			return nil, err
		}
		return &CopyFile{Src: fwd.Src, Dst: fwd.Dst, BackupDir: fwd.BackupDir, backupPath: inv.BackupPath, created: inv.Created}, nil
	})
}

// ── HardlinkFile ─────────────────────────────────────────────────────────

// HardlinkFile creates a hardlink at Dst pointing to Src, backing up Dst
// first if present (spec §4.5.1 row 4). Grounded in the go-file-dedupe
// example's os.SameFile check: if Dst is already hardlinked to Src,
// Execute is a no-op so re-running a plan stays idempotent. FileID, when
// set, is the catalog FileRecord this operation's commit/undo keeps in
// lockstep (see DeleteFile's doc).
type HardlinkFile struct {
	Src        string
	Dst        string
	BackupDir  string
	FileID     int64
	backupPath string
	created    bool
}

type hardlinkForward struct {
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	BackupDir string `json:"backup_dir"`
	FileID    int64  `json:"file_id,omitempty"`
}
type hardlinkInverse struct {
	BackupPath string `json:"backup_path,omitempty"`
	Created    bool   `json:"created"`
}

func (o *HardlinkFile) Kind() string { return "hardlink" }
func (o *HardlinkFile) Describe() string {
	return fmt.Sprintf("hardlink %s -> %s", o.Dst, o.Src)
}
func (o *HardlinkFile) ForwardParams() any {
	return hardlinkForward{Src: o.Src, Dst: o.Dst, BackupDir: o.BackupDir, FileID: o.FileID}
}
func (o *HardlinkFile) InverseParams() any {
	return hardlinkInverse{BackupPath: o.backupPath, Created: o.created}
}
func (o *HardlinkFile) AffectedFileID() int64 { return o.FileID }

func (o *HardlinkFile) Execute(ctx context.Context) error {
	if dstInfo, err := os.Lstat(o.Dst); err == nil {
		if srcInfo, err := os.Stat(o.Src); err == nil && os.SameFile(srcInfo, dstInfo) {
			return nil
		}
		backupPath, err := trash.MoveToTrash(o.Dst, o.BackupDir)
		if err != nil {
			return fmt.Errorf("executor: backup existing destination %q: %w", o.Dst, err)
		}
		o.backupPath = backupPath
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("executor: stat destination %q: %w", o.Dst, err)
	}
	if err := os.Link(o.Src, o.Dst); err != nil {
		return err
	}
	o.created = true
	return nil
}

func (o *HardlinkFile) Undo(ctx context.Context) error {
	if o.created {
		if err := os.Remove(o.Dst); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if o.backupPath != "" {
		return trash.Restore(o.backupPath, o.Dst)
	}
	return nil
}

func init() {
	registerOpFactory("hardlink", func(forwardJSON, inverseJSON string) (ReversibleOperation, error) {
		var fwd hardlinkForward
		var inv hardlinkInverse
		if err := unmarshalOrEmpty(forwardJSON, &fwd); err != nil {
			return nil, err
		}
		if err := unmarshalOrEmpty(inverseJSON, &inv); err != nil {
			return nil, err
		}
		return &HardlinkFile{Src: fwd.Src, Dst: fwd.Dst, BackupDir: fwd.BackupDir, FileID: fwd.FileID, backupPath: inv.BackupPath, created: inv.Created}, nil
	})
}

// ── ArchiveFiles ─────────────────────────────────────────────────────────

// ArchiveFiles snapshots Paths into a backup archive and, if
// DeleteOriginals is set, removes them (spec §4.5.1 row 5). Undo restores
// each removed original directly from the archive.
type ArchiveFiles struct {
	Paths           []string
	OperationID     string
	DeleteOriginals bool
	Backup          *backup.Manager

	archivePath string
	removed     []string
}

type archiveForward struct {
	Paths           []string `json:"paths"`
	OperationID     string   `json:"operation_id"`
	DeleteOriginals bool     `json:"delete_originals"`
}
type archiveInverse struct {
	ArchivePath string   `json:"archive_path"`
	Removed     []string `json:"removed,omitempty"`
}

func (o *ArchiveFiles) Kind() string     { return "archive" }
func (o *ArchiveFiles) Describe() string { return fmt.Sprintf("archive %d file(s)", len(o.Paths)) }
func (o *ArchiveFiles) ForwardParams() any {
	return archiveForward{Paths: o.Paths, OperationID: o.OperationID, DeleteOriginals: o.DeleteOriginals}
}
func (o *ArchiveFiles) InverseParams() any {
	return archiveInverse{ArchivePath: o.archivePath, Removed: o.removed}
}

func (o *ArchiveFiles) Execute(ctx context.Context) error {
	_, archivePath, err := o.Backup.Snapshot(ctx, o.OperationID, o.Paths, "")
	if err != nil {
		return err
	}
	o.archivePath = archivePath

	if o.DeleteOriginals {
		for _, p := range o.Paths {
			if err := os.Remove(p); err != nil {
				return fmt.Errorf("executor: remove archived original %q: %w", p, err)
			}
			o.removed = append(o.removed, p)
		}
	}
	return nil
}

func (o *ArchiveFiles) Undo(ctx context.Context) error {
	for _, p := range o.removed {
		if err := o.Backup.Restore(o.archivePath, p, p); err != nil {
			return fmt.Errorf("executor: restore %q from archive: %w", p, err)
		}
	}
	return nil
}

// The "archive" factory below rebuilds ArchiveFiles with a nil Backup
// manager; Load patches the real one in after reconstruction, since the
// persisted operation record has no way to serialize a *backup.Manager.
func init() {
	registerOpFactory("archive", func(forwardJSON, inverseJSON string) (ReversibleOperation, error) {
		var fwd archiveForward
		var inv archiveInverse
		if err := unmarshalOrEmpty(forwardJSON, &fwd); err != nil {
			return nil, err
		}
		if err := unmarshalOrEmpty(inverseJSON, &inv); err != nil {
			return nil, err
		}
		return &ArchiveFiles{
			Paths:           fwd.Paths,
			OperationID:     fwd.OperationID,
			DeleteOriginals: fwd.DeleteOriginals,
			archivePath:     inv.ArchivePath,
			removed:         inv.Removed,
		}, nil
	})
}
