// Package planner transforms the Catalog's duplicate groups into an
// ordered, human-readable plan file that the Executor consumes (spec
// §4.4). It never materializes the full files table: it streams one
// duplicate-hash group at a time from the Catalog.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nodupelabs/nodupe/internal/catalog"
	"github.com/nodupelabs/nodupe/internal/media"
)

// Config configures a planning run.
type Config struct {
	Strategy Strategy

	// NonKeeperAction is the disposition applied to every non-keeper file.
	// Defaults to ActionDelete when the zero value is left unset.
	NonKeeperAction ActionKind

	// MoveTargetDir is required when NonKeeperAction is ActionMove: the
	// directory non-keeper files are relocated into.
	MoveTargetDir string

	// Interactive resolves the keeper for each group when Strategy is
	// StrategyInteractive. Required in that case, ignored otherwise.
	Interactive InteractiveCallback
}

// Planner runs the keeper-selection algorithm against a Catalog.
type Planner struct {
	cat *catalog.Catalog
	cfg Config
}

// New creates a Planner. It validates cfg eagerly so a misconfigured plan
// command fails before touching the catalog.
func New(cat *catalog.Catalog, cfg Config) (*Planner, error) {
	switch cfg.Strategy {
	case StrategyNewest, StrategyOldest, StrategyShortestPath:
	case StrategyInteractive:
		if cfg.Interactive == nil {
			return nil, fmt.Errorf("planner: strategy %q requires an Interactive callback", cfg.Strategy)
		}
	default:
		return nil, fmt.Errorf("planner: unknown strategy %q", cfg.Strategy)
	}

	if cfg.NonKeeperAction == "" {
		cfg.NonKeeperAction = ActionDelete
	}
	switch cfg.NonKeeperAction {
	case ActionDelete, ActionHardlink:
	case ActionMove:
		if cfg.MoveTargetDir == "" {
			return nil, fmt.Errorf("planner: non-keeper action %q requires MoveTargetDir", cfg.NonKeeperAction)
		}
	default:
		return nil, fmt.Errorf("planner: invalid non-keeper action %q", cfg.NonKeeperAction)
	}

	return &Planner{cat: cat, cfg: cfg}, nil
}

// Plan runs the full streaming algorithm (spec §4.4 steps 1-7) and writes
// the resulting plan file atomically to outputPath.
func (p *Planner) Plan(ctx context.Context, outputPath string) (*Summary, error) {
	it, err := p.cat.DuplicateHashes()
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	defer it.Close()

	plan := Plan{
		Strategy:        p.cfg.Strategy,
		NonKeeperAction: p.cfg.NonKeeperAction,
		MoveTargetDir:   p.cfg.MoveTargetDir,
		GeneratedAt:     time.Now(),
	}

	for it.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		hash, err := it.Hash()
		if err != nil {
			return nil, fmt.Errorf("planner: %w", err)
		}

		group, err := p.cat.FindDuplicatesByHash(hash)
		if err != nil {
			return nil, fmt.Errorf("planner: group %q: %w", hash, err)
		}
		if len(group) < 2 {
			continue // degenerate: DuplicateHashes already filters these, guard anyway
		}

		keeperIdx := 0
		if p.cfg.Strategy == StrategyInteractive {
			keeperIdx, err = p.cfg.Interactive(ctx, group)
			if err != nil {
				return nil, fmt.Errorf("planner: interactive callback for group %q: %w", hash, err)
			}
			if keeperIdx < 0 || keeperIdx >= len(group) {
				return nil, fmt.Errorf("planner: interactive callback returned out-of-range index %d for group of %d", keeperIdx, len(group))
			}
		} else {
			sortGroup(p.cfg.Strategy, group)
		}
		keeper := group[keeperIdx]

		if keeper.IsDuplicate {
			if err := p.cat.MarkAsOriginal(keeper.ID); err != nil {
				return nil, fmt.Errorf("planner: mark original %d: %w", keeper.ID, err)
			}
			plan.Stats.Reassigned++
		}

		nonKeeperIDs := make([]int64, 0, len(group)-1)
		for i, rec := range group {
			if i == keeperIdx {
				continue
			}
			nonKeeperIDs = append(nonKeeperIDs, rec.ID)
		}
		if err := p.cat.BatchMarkAsDuplicate(nonKeeperIDs, keeper.ID); err != nil {
			return nil, fmt.Errorf("planner: group %q: %w", hash, err)
		}

		plan.Actions = append(plan.Actions, Action{
			Kind:      ActionKeep,
			FileID:    keeper.ID,
			Path:      keeper.Path,
			GroupHash: hash,
			FileType:  string(media.Detect(keeper.Path)),
		})
		if plan.Stats.ByFileType == nil {
			plan.Stats.ByFileType = make(map[string]int64)
		}
		for i, rec := range group {
			if i == keeperIdx {
				continue
			}
			fileType := media.Detect(rec.Path)
			action := Action{
				Kind:      p.cfg.NonKeeperAction,
				FileID:    rec.ID,
				Path:      rec.Path,
				GroupHash: hash,
				FileType:  string(fileType),
				KeeperID:  keeper.ID,
			}
			switch p.cfg.NonKeeperAction {
			case ActionMove:
				action.TargetPath = filepath.Join(p.cfg.MoveTargetDir, filepath.Base(rec.Path))
			case ActionHardlink:
				action.TargetPath = keeper.Path
			}
			plan.Actions = append(plan.Actions, action)
			plan.Stats.ByFileType[string(fileType)]++
		}

		plan.Stats.TotalGroups++
		plan.Stats.DuplicatesFound += int64(len(group) - 1)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}

	// Stamped after every keeper/duplicate marking above, not before: those
	// marks advance files.updated_at, so a hash taken earlier would already
	// be stale by the time Plan returns and every apply would see the
	// catalog as having "changed since planning".
	versionHash, err := p.cat.VersionHash()
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	plan.CatalogVersionHash = versionHash

	if err := writeAtomic(outputPath, plan); err != nil {
		return nil, err
	}

	slog.Info("plan written", "path", outputPath, "strategy", plan.Strategy,
		"total_groups", plan.Stats.TotalGroups, "duplicates_found", plan.Stats.DuplicatesFound,
		"reassigned", plan.Stats.Reassigned)

	return &Summary{
		Strategy:           plan.Strategy,
		CatalogVersionHash: plan.CatalogVersionHash,
		Stats:              plan.Stats,
		OutputPath:         outputPath,
	}, nil
}
