// Package scan implements the walk → filter → hash → persist pipeline that
// populates the Catalog with FileRecords (spec §4.2 Scan Pipeline).
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nodupelabs/nodupe/internal/catalog"
)

// FileInfo is a filesystem entry emitted by the walker.
type FileInfo struct {
	Path  string
	Size  int64
	MTime time.Time
}

// HashedFile is a FileInfo paired with a computed hash. Which stage of
// hashing produced Hash (quick or full) depends on where in the pipeline the
// value is observed — see the comments on each stage.
type HashedFile struct {
	FileInfo
	Hash   string
	Failed bool // true when hashing could not be completed (e.g. permission denied)
}

// Config holds pipeline concurrency tuning, mirrored from config.ScanWorkers.
type Config struct {
	Walkers        int
	CacheCheckers  int
	PartialHashers int
	FullHashers    int
	BatchSize      int
	MinSize        int64
	MaxSize        int64
	Extensions     []string // empty means no extension filter
}

// DefaultConfig returns sensible defaults for ad hoc/test use.
func DefaultConfig() Config {
	return Config{
		Walkers:        4,
		CacheCheckers:  4,
		PartialHashers: 4,
		FullHashers:    2,
		BatchSize:      512,
	}
}

// Scanner orchestrates the full scan pipeline against a Catalog.
type Scanner struct {
	cat          *catalog.Catalog
	roots        []string
	excludePaths []string
	cfg          Config
}

// New creates a Scanner over cat using roots as scan entry points.
func New(cat *catalog.Catalog, roots, excludePaths []string, cfg Config) *Scanner {
	return &Scanner{cat: cat, roots: roots, excludePaths: excludePaths, cfg: cfg}
}

// Run executes one full scan: it creates a ScanSession, runs the pipeline to
// completion (or until ctx is cancelled), and finalises the session with the
// resulting status. It returns the session id and the first pipeline error,
// if any.
func (s *Scanner) Run(ctx context.Context) (int64, error) {
	sessionID, err := s.cat.CreateScanSession(s.roots)
	if err != nil {
		return 0, fmt.Errorf("scan: create session: %w", err)
	}

	progress := &Progress{}
	slog.Info("scan started", "session", sessionID, "roots", s.roots)

	runErr := s.runPipeline(ctx, progress)

	// Link runs even on a cancelled/partial scan: spec §4.3 step 5 groups
	// whatever is already in the catalog, and idempotence guarantees any
	// groups left unlinked are picked up by the next Link pass.
	if _, linkErr := Link(ctx, s.cat); linkErr != nil && runErr == nil {
		runErr = linkErr
	}

	status := catalog.ScanSessionCompleted
	switch {
	case ctx.Err() != nil:
		status = catalog.ScanSessionCancelled
		if runErr == nil {
			runErr = ctx.Err()
		}
	case runErr != nil:
		status = catalog.ScanSessionFailed
	}

	if err := s.cat.UpdateScanSessionProgress(sessionID, progress.Snapshot()); err != nil {
		slog.Error("scan: final progress flush failed", "session", sessionID, "error", err)
	}
	if err := s.cat.FinishScanSession(sessionID, status); err != nil {
		slog.Error("scan: finish session failed", "session", sessionID, "error", err)
	}

	slog.Info("scan finished", "session", sessionID, "status", status,
		"files_seen", progress.FilesSeen.Load(), "files_hashed", progress.FullHashed.Load())

	return sessionID, runErr
}

// runPipeline wires every stage and blocks until the catalog writer finishes
// or ctx is cancelled.
func (s *Scanner) runPipeline(ctx context.Context, progress *Progress) error {
	excludes := make(map[string]struct{}, len(s.excludePaths))
	for _, p := range s.excludePaths {
		excludes[p] = struct{}{}
	}

	const bufSize = 1000
	walkOut := make(chan FileInfo, bufSize)
	filtered := make(chan FileInfo, bufSize)
	candidates := make(chan FileInfo, bufSize)
	cacheHits := make(chan HashedFile, bufSize)
	cacheMiss := make(chan FileInfo, bufSize)
	quickOut := make(chan HashedFile, bufSize)
	quickFailed := make(chan HashedFile, bufSize)
	grouped := make(chan HashedFile, bufSize)
	prioritised := make(chan HashedFile, bufSize)
	fullOut := make(chan HashedFile, bufSize)
	fullFailed := make(chan HashedFile, bufSize)
	finalOut := make(chan HashedFile, bufSize)

	go Walk(ctx, s.roots, excludes, s.cfg.Walkers, walkOut)
	RunFilter(ctx, s.cfg.MinSize, s.cfg.MaxSize, s.cfg.Extensions, walkOut, filtered)
	RunSizeAccumulator(ctx, progress, filtered, candidates)
	RunCacheCheck(ctx, s.cat, s.cfg.CacheCheckers, progress, candidates, cacheHits, cacheMiss)
	RunQuickHashers(ctx, s.cfg.PartialHashers, progress, cacheMiss, quickOut, quickFailed)
	RunQuickHashGrouper(ctx, quickOut, grouped)
	RunSizePriorityQueue(ctx, grouped, prioritised)
	RunFullHashers(ctx, s.cfg.FullHashers, progress, prioritised, fullOut, fullFailed)
	mergeHashed(ctx, finalOut, cacheHits, fullOut, quickFailed, fullFailed)

	reporterStop := make(chan struct{})
	go progressReporter(ctx, s.cat, progress, reporterStop)
	defer close(reporterStop)

	return RunCatalogWriter(ctx, s.cat, s.cfg.BatchSize, finalOut)
}

// mergeHashed fans any number of HashedFile streams (cache hits, freshly
// full-hashed files, and hash-failure records from either hashing stage)
// into one. out is closed once every input is drained.
func mergeHashed(ctx context.Context, out chan<- HashedFile, ins ...<-chan HashedFile) {
	var wg sync.WaitGroup
	forward := func(in <-chan HashedFile) {
		defer wg.Done()
		for {
			select {
			case hf, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- hf:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
	wg.Add(len(ins))
	for _, in := range ins {
		go forward(in)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
}

// progressReporter flushes Progress counters to the ScanSession roughly once
// a second, so a `status` command against a concurrently-running scan shows
// live numbers instead of only the values recorded at session end.
func progressReporter(ctx context.Context, cat *catalog.Catalog, p *Progress, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	flush := func() {
		s, err := cat.LatestScanSession()
		if err != nil {
			return
		}
		if err := cat.UpdateScanSessionProgress(s.ID, p.Snapshot()); err != nil && ctx.Err() == nil {
			slog.Warn("scan: progress flush failed", "error", err)
		}
	}
	for {
		select {
		case <-ticker.C:
			flush()
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ReconcileStaleSessions marks any ScanSession still 'running' as 'failed'.
// Call once at process startup in case a previous invocation crashed
// mid-scan — otherwise a later `status` query would report a scan as
// perpetually in progress (spec's supplemented startup reconciliation).
func ReconcileStaleSessions(cat *catalog.Catalog) (int, error) {
	db := cat.DB()
	res, err := db.Exec(`UPDATE scan_sessions SET status = 'failed', finished_at = ? WHERE status = 'running'`,
		time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("scan: reconcile stale sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Warn("scan: reconciled stale sessions", "count", n)
	}
	return int(n), nil
}
