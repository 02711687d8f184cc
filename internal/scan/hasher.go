package scan

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nodupelabs/nodupe/internal/hasher"
)

// RunQuickHashers spawns numWorkers goroutines. Each reads FileInfo from in
// and computes its quick (head-bytes) hash via internal/hasher. Successes go
// to out carrying the quick hash. A read failure is NOT dropped silently
// (spec §7: unreadable files are recorded in the catalog with full_hash=null
// and a hash-failed flag, scan continues) — it is instead forwarded to
// failed so the catalog writer can persist it directly, bypassing the
// quick-hash grouping stage entirely (a failed file has no hash to group by,
// and a lone failure would otherwise wait forever for a "match" that never
// arrives). out and failed are both closed once all workers finish.
func RunQuickHashers(ctx context.Context, numWorkers int, progress *Progress, in <-chan FileInfo, out chan<- HashedFile, failed chan<- HashedFile) {
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case fi, ok := <-in:
					if !ok {
						return
					}
					quick, n, err := hasher.QuickHash(fi.Path)
					if err != nil {
						slog.Warn("scan: quick hash failed", "path", fi.Path, "error", err)
						progress.Errors.Add(1)
						select {
						case failed <- HashedFile{FileInfo: fi, Failed: true}:
						case <-ctx.Done():
						}
						continue
					}
					progress.BytesRead.Add(n)
					progress.QuickHashed.Add(1)
					select {
					case out <- HashedFile{FileInfo: fi, Hash: quick}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
		close(failed)
	}()
}

// RunFullHashers spawns numWorkers goroutines. Each reads a HashedFile from
// in (Hash currently holds a quick hash) and computes the full SHA-256,
// forwarding unreadable-file failures to failed the same way
// RunQuickHashers does. out and failed are closed once all workers finish.
func RunFullHashers(ctx context.Context, numWorkers int, progress *Progress, in <-chan HashedFile, out chan<- HashedFile, failed chan<- HashedFile) {
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case hf, ok := <-in:
					if !ok {
						return
					}
					full, n, err := hasher.FullHash(hf.Path)
					if err != nil {
						slog.Warn("scan: full hash failed", "path", hf.Path, "error", err)
						progress.Errors.Add(1)
						select {
						case failed <- HashedFile{FileInfo: hf.FileInfo, Failed: true}:
						case <-ctx.Done():
						}
						continue
					}
					progress.BytesRead.Add(n)
					progress.FullHashed.Add(1)
					select {
					case out <- HashedFile{FileInfo: hf.FileInfo, Hash: full}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
		close(failed)
	}()
}
