package planner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ActionKind enumerates the plan action verbs (spec §4.4 step 6).
type ActionKind string

const (
	ActionKeep     ActionKind = "KEEP"
	ActionDelete   ActionKind = "DELETE"
	ActionMove     ActionKind = "MOVE"
	ActionHardlink ActionKind = "HARDLINK"
)

// Action is one line item in a plan: either the designated keeper of a
// group (ActionKeep) or a disposition for one of its duplicates.
type Action struct {
	Kind       ActionKind `json:"kind"`
	FileID     int64      `json:"file_id"`
	Path       string     `json:"path"`
	GroupHash  string     `json:"group_hash"`
	FileType   string     `json:"file_type,omitempty"`   // media.Detect classification
	KeeperID   int64      `json:"keeper_id,omitempty"`   // set on non-KEEP actions
	TargetPath string     `json:"target_path,omitempty"` // set for MOVE/HARDLINK
}

// Stats is the plan-level counter block (spec §4.4 step 7).
type Stats struct {
	TotalGroups     int64            `json:"total_groups"`
	DuplicatesFound int64            `json:"duplicates_found"`
	Reassigned      int64            `json:"reassigned"`
	ByFileType      map[string]int64 `json:"by_file_type,omitempty"` // duplicates found, keyed by media.FileType
}

// Plan is the full serialized output of a planning run.
type Plan struct {
	Strategy           Strategy   `json:"strategy"`
	NonKeeperAction    ActionKind `json:"non_keeper_action"`
	MoveTargetDir      string     `json:"move_target_dir,omitempty"`
	CatalogVersionHash string     `json:"catalog_version_hash"`
	GeneratedAt        time.Time  `json:"generated_at"`
	Stats              Stats      `json:"stats"`
	Actions            []Action   `json:"actions"`
}

// Summary is the subset of Plan a caller typically wants back without
// re-reading the (potentially large) Actions slice from disk.
type Summary struct {
	Strategy           Strategy
	CatalogVersionHash string
	Stats              Stats
	OutputPath         string
}

// writeAtomic serializes p as indented JSON to a temp file in the same
// directory as outputPath, then renames it into place — the write is never
// observed half-written (spec §4.4 step 7: "atomically (temp file +
// rename)").
func writeAtomic(outputPath string, p Plan) error {
	dir := filepath.Dir(outputPath)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, ".plan-*.tmp")
	if err != nil {
		return fmt.Errorf("planner: create temp plan file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		tmp.Close()
		return fmt.Errorf("planner: encode plan: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("planner: sync plan file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("planner: close plan file: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("planner: rename plan file into place: %w", err)
	}
	return nil
}

// ReadPlan loads and decodes a plan file written by writeAtomic.
func ReadPlan(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("planner: open plan %q: %w", path, err)
	}
	defer f.Close()

	var p Plan
	if err := json.NewDecoder(f).Decode(&p); err != nil {
		return nil, fmt.Errorf("planner: decode plan %q: %w", path, err)
	}
	return &p, nil
}
