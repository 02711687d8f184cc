// Command nodupe is the CLI entry point for NoDupeLabs: scan, plan, apply,
// rollback, and verify subcommands over a local directory tree (spec §1,
// §6). The terminal UI, argument-parsing niceties, and presentation
// commands beyond these five are out of scope; this binary is a thin flag
// parser that composes internal/services, internal/scan, internal/planner,
// and internal/executor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/nodupelabs/nodupe/internal/audit"
	"github.com/nodupelabs/nodupe/internal/catalog"
	"github.com/nodupelabs/nodupe/internal/config"
	"github.com/nodupelabs/nodupe/internal/executor"
	"github.com/nodupelabs/nodupe/internal/hasher"
	"github.com/nodupelabs/nodupe/internal/planner"
	"github.com/nodupelabs/nodupe/internal/scan"
	"github.com/nodupelabs/nodupe/internal/services"
	"github.com/nodupelabs/nodupe/internal/trash"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

// Exit codes per spec §7's error taxonomy.
const (
	exitOK          = 0
	exitInputError  = 1
	exitSystemError = 2
	exitCancelled   = 130
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(exitInputError)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})))

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: nodupe <scan|plan|apply|rollback|verify> [flags]")
		os.Exit(exitInputError)
	}
	cmd, rest := args[0], args[1:]

	svc, err := services.Open(cfg)
	if err != nil {
		slog.Error("open services", "error", err)
		os.Exit(exitSystemError)
	}
	defer svc.Close()

	if settings, err := svc.Catalog.LoadSettings(); err == nil {
		config.MergeDBSettings(cfg, settings)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	switch cmd {
	case "scan":
		runErr = runScan(ctx, svc, cfg, rest)
	case "plan":
		runErr = runPlan(ctx, svc, cfg, rest)
	case "apply":
		runErr = runApply(ctx, svc, cfg, rest)
	case "rollback":
		runErr = runRollback(ctx, svc, rest)
	case "verify":
		runErr = runVerify(ctx, svc, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(exitInputError)
	}

	os.Exit(exitCodeFor(runErr))
}

// exitCodeFor maps a command's returned error to spec §7's exit codes.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, context.Canceled) {
		return exitCancelled
	}
	var staleErr *executor.PlanStaleError
	var catErr *catalog.Error
	switch {
	case errors.As(err, &staleErr):
		return exitInputError
	case errors.As(err, &catErr):
		return exitSystemError
	}
	var backupErr *executor.BackupFailedError
	if errors.As(err, &backupErr) {
		return exitSystemError
	}
	slog.Error("command failed", "error", err)
	return exitInputError
}

func runScan(ctx context.Context, svc *services.Services, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	fs.Parse(args)

	roots := cfg.ScanPaths
	if fs.NArg() > 0 {
		roots = fs.Args()
	}
	if len(roots) == 0 {
		return fmt.Errorf("scan: no paths configured; set scan_paths or pass one or more directories")
	}

	if _, err := scan.ReconcileStaleSessions(svc.Catalog); err != nil {
		slog.Warn("reconcile stale scan sessions", "error", err)
	}
	if n, err := trash.Sweep(cfg.TrashDir, time.Duration(cfg.TrashRetentionDays)*24*time.Hour); err != nil {
		slog.Warn("sweep expired trash entries", "error", err)
	} else if n > 0 {
		slog.Info("swept expired trash entries", "count", n)
	}

	scanCfg := scan.Config{
		Walkers:        cfg.ScanWorkers.Walkers,
		CacheCheckers:  cfg.ScanWorkers.CacheCheckers,
		PartialHashers: cfg.ScanWorkers.PartialHashers,
		FullHashers:    cfg.ScanWorkers.FullHashers,
		BatchSize:      cfg.ScanWorkers.BatchSize,
		MinSize:        cfg.MinSize,
		MaxSize:        cfg.MaxSize,
		Extensions:     cfg.Extensions,
	}
	scanner := scan.New(svc.Catalog, roots, cfg.ExcludePaths, scanCfg)
	return scanWithAudit(ctx, svc, scanner)
}

func runPlan(ctx context.Context, svc *services.Services, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	strategyFlag := fs.String("strategy", cfg.Strategy, "keeper-selection strategy: newest, oldest, shortest_path")
	action := fs.String("action", "delete", "non-keeper disposition: delete, move, hardlink")
	moveDir := fs.String("move-dir", "", "destination directory when -action=move")
	output := fs.String("output", "plan.json", "path to write the plan file")
	fs.Parse(args)

	strategy, err := planner.ParseStrategy(*strategyFlag)
	if err != nil {
		return err
	}
	var nonKeeperAction planner.ActionKind
	switch *action {
	case "delete":
		nonKeeperAction = planner.ActionDelete
	case "move":
		nonKeeperAction = planner.ActionMove
	case "hardlink":
		nonKeeperAction = planner.ActionHardlink
	default:
		return fmt.Errorf("plan: unknown -action %q (want delete, move, or hardlink)", *action)
	}

	p, err := planner.New(svc.Catalog, planner.Config{
		Strategy:        strategy,
		NonKeeperAction: nonKeeperAction,
		MoveTargetDir:   *moveDir,
	})
	if err != nil {
		return err
	}

	summary, err := p.Plan(ctx, *output)
	if err != nil {
		return err
	}
	svc.Audit.Emit(audit.PlanCreated, map[string]any{
		"output": summary.OutputPath, "total_groups": summary.Stats.TotalGroups,
		"duplicates_found": summary.Stats.DuplicatesFound,
	})
	fmt.Printf("plan written to %s: %d groups, %d duplicates\n", summary.OutputPath, summary.Stats.TotalGroups, summary.Stats.DuplicatesFound)
	return nil
}

func runApply(ctx context.Context, svc *services.Services, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	planPath := fs.String("plan", "plan.json", "path to the plan file")
	dryRun := fs.Bool("dry-run", false, "print what would happen without touching the filesystem")
	yes := fs.Bool("yes", false, "skip the interactive confirmation prompt")
	fs.Parse(args)

	plan, err := planner.ReadPlan(*planPath)
	if err != nil {
		return err
	}

	if *dryRun {
		for _, a := range plan.Actions {
			if a.Kind != planner.ActionKeep {
				fmt.Printf("%s %s\n", a.Kind, a.Path)
			}
		}
		return nil
	}

	ex := executor.New(svc.Catalog, svc.Audit, svc.Backup, svc.Stack, executor.Config{
		BackupDir:   cfg.TrashDir,
		CatalogPath: cfg.DBPath,
		Confirm:     confirmFunc(*yes),
	})

	result, err := ex.ExecutePlan(ctx, plan)
	if err != nil {
		return err
	}
	fmt.Printf("applied %d action(s)\n", result.Succeeded)

	if n, err := svc.Backup.Cleanup(cfg.BackupKeepCount); err != nil {
		slog.Warn("cleanup old backup archives", "error", err)
	} else if n > 0 {
		slog.Info("cleaned up old backup archives", "count", n)
	}
	return nil
}

func runRollback(ctx context.Context, svc *services.Services, args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	fs.Parse(args)

	ex := executor.New(svc.Catalog, svc.Audit, svc.Backup, svc.Stack, executor.Config{})
	undone, err := ex.Rollback(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("rolled back %d operation(s)\n", undone)
	return nil
}

func runVerify(ctx context.Context, svc *services.Services, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	fs.Parse(args)

	it, err := svc.Catalog.AllFiles()
	if err != nil {
		return err
	}
	defer it.Close()

	var mismatches []string
	for it.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rec, err := it.Record()
		if err != nil {
			return err
		}
		if rec.FullHash == "" {
			continue
		}
		_, full, _, err := hasher.HashFile(rec.Path)
		if err != nil {
			slog.Warn("verify: could not rehash file", "path", rec.Path, "error", err)
			continue
		}
		if full != rec.FullHash {
			mismatches = append(mismatches, rec.Path)
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	if len(mismatches) > 0 {
		svc.Audit.Emit(audit.SystemError, map[string]any{"kind": "hash_mismatch", "count": len(mismatches)})
		fmt.Printf("%d file(s) no longer match their catalogued hash:\n", len(mismatches))
		for _, p := range mismatches {
			fmt.Println(" ", p)
		}
		return fmt.Errorf("verify: %d hash mismatch(es) found", len(mismatches))
	}
	fmt.Println("all catalogued hashes verified")
	return nil
}

// confirmFunc returns an executor.ConfirmFunc. When skip is true (the
// --yes flag), it always approves. Otherwise it prompts on a TTY and
// refuses on a non-interactive stdin, since there is no UI to ask through.
func confirmFunc(skip bool) executor.ConfirmFunc {
	if skip {
		return func(ctx context.Context, affected []string) (bool, error) { return true, nil }
	}
	return func(ctx context.Context, affected []string) (bool, error) {
		if !isatty.IsTerminal(os.Stdin.Fd()) {
			return false, fmt.Errorf("apply: refusing to proceed without --yes on a non-interactive terminal")
		}
		fmt.Printf("about to affect %d file(s). proceed? [y/N] ", len(affected))
		var response string
		fmt.Scanln(&response)
		return response == "y" || response == "Y", nil
	}
}

// scanWithAudit runs scanner, bracketing it with scan_started/scan_completed
// /scan_failed/scan_cancelled per spec §6's audit-kind enumeration.
func scanWithAudit(ctx context.Context, svc *services.Services, scanner *scan.Scanner) error {
	svc.Audit.Emit(audit.ScanStarted, nil)
	count, err := scanner.Run(ctx)
	switch {
	case err == nil:
		svc.Audit.Emit(audit.ScanCompleted, map[string]any{"files_processed": count})
		fmt.Printf("scanned %d file(s)\n", count)
		return nil
	case errors.Is(err, context.Canceled):
		svc.Audit.Emit(audit.ScanCancelled, map[string]any{"files_processed": count})
		return err
	default:
		svc.Audit.Emit(audit.ScanFailed, map[string]any{"error": err.Error()})
		return err
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
