package scan

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nodupelabs/nodupe/internal/catalog"
)

// cacheBatchSize is the number of candidates sent in a single batched
// lookup. Larger batches mean fewer round-trips; 500 balances query size
// against latency.
const cacheBatchSize = 500

// RunCacheCheck spawns numWorkers goroutines. Each accumulates incoming
// FileInfos into batches of up to cacheBatchSize and resolves them all in a
// single Catalog.BatchLookupByPath call, reducing database round-trips.
//
// A result whose (size, mtime) still matches the catalog record → cache hit
// → sent to hits carrying the already-known full hash (spec §4.3
// Idempotence: unchanged files are never re-hashed). Everything else (no
// record, or stale record) → cache miss → sent to misses for re-hashing.
//
// Both hits and misses are closed when all workers finish or ctx is
// cancelled.
func RunCacheCheck(ctx context.Context, cat *catalog.Catalog, numWorkers int, progress *Progress, in <-chan FileInfo, hits chan<- HashedFile, misses chan<- FileInfo) {
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cacheWorker(ctx, cat, in, hits, misses, progress)
		}()
	}
	go func() {
		wg.Wait()
		close(hits)
		close(misses)
	}()
}

func cacheWorker(ctx context.Context, cat *catalog.Catalog, in <-chan FileInfo, hits chan<- HashedFile, misses chan<- FileInfo, progress *Progress) {
	batch := make([]FileInfo, 0, cacheBatchSize)

	for {
		select {
		case <-ctx.Done():
			return
		case fi, ok := <-in:
			if !ok {
				return
			}
			batch = append(batch, fi)
		}

		var open bool
		batch, open = drainBatch(in, batch, cacheBatchSize)
		lookupBatch(ctx, cat, batch, hits, misses, progress)
		batch = batch[:0]
		if !open {
			return
		}
	}
}

// drainBatch appends items from in to batch (up to maxSize) using
// non-blocking receives. Returns (batch, true) when the channel is still
// open, or (batch, false) when it was closed during draining.
func drainBatch(in <-chan FileInfo, batch []FileInfo, maxSize int) ([]FileInfo, bool) {
	for len(batch) < maxSize {
		select {
		case fi, ok := <-in:
			if !ok {
				return batch, false
			}
			batch = append(batch, fi)
		default:
			return batch, true
		}
	}
	return batch, true
}

func lookupBatch(ctx context.Context, cat *catalog.Catalog, batch []FileInfo, hits chan<- HashedFile, misses chan<- FileInfo, progress *Progress) {
	if len(batch) == 0 {
		return
	}

	paths := make([]string, len(batch))
	for i, fi := range batch {
		paths[i] = fi.Path
	}

	cached, err := cat.BatchLookupByPath(ctx, paths)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("scan: cache check batch lookup failed", "error", err)
		}
		cached = map[string]catalog.FileRecord{}
	}

	for _, fi := range batch {
		rec, ok := cached[fi.Path]
		if ok && rec.Size == fi.Size && rec.ModifiedTime.Unix() == fi.MTime.Unix() && rec.FullHash != "" && !rec.HashFailed {
			progress.CacheHits.Add(1)
			select {
			case hits <- HashedFile{FileInfo: fi, Hash: rec.FullHash}:
			case <-ctx.Done():
				return
			}
		} else {
			progress.CacheMisses.Add(1)
			select {
			case misses <- fi:
			case <-ctx.Done():
				return
			}
		}
	}
}
