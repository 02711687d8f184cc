package scan

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nodupelabs/nodupe/internal/catalog"
)

// seedCatalog inserts n already-hashed records keyed by index i:
// path=/cached/fileNNNN.txt, size=i*100+1, mtime=1000+i, hash=hashNNNN.
func seedCatalog(tb testing.TB, cat *catalog.Catalog, n int) {
	tb.Helper()
	for i := 0; i < n; i++ {
		_, err := cat.AddFile(
			fmt.Sprintf("/cached/file%04d.txt", i),
			int64(i*100+1),
			time.Unix(int64(1000+i), 0),
			"",
			fmt.Sprintf("hash%04d", i),
		)
		if err != nil {
			tb.Fatalf("seed catalog entry %d: %v", i, err)
		}
	}
}

// TestCacheCheckRoutesHitsAndMisses verifies that files matching catalog
// entries go to hits, while unrecognised files go to misses.
func TestCacheCheckRoutesHitsAndMisses(t *testing.T) {
	cat := mustOpenCatalog(t)
	const (
		numCached = 50
		numNew    = 50
	)
	seedCatalog(t, cat, numCached)

	progress := &Progress{}
	in := make(chan FileInfo, numCached+numNew)
	hits := make(chan HashedFile, numCached+numNew)
	misses := make(chan FileInfo, numCached+numNew)

	RunCacheCheck(context.Background(), cat, 2, progress, in, hits, misses)

	for i := 0; i < numCached; i++ {
		in <- FileInfo{
			Path:  fmt.Sprintf("/cached/file%04d.txt", i),
			Size:  int64(i*100 + 1),
			MTime: time.Unix(int64(1000+i), 0),
		}
	}
	for i := 0; i < numNew; i++ {
		in <- FileInfo{Path: fmt.Sprintf("/new/file%04d.txt", i), Size: 1, MTime: time.Now()}
	}
	close(in)

	var gotHits, gotMisses int
	hitsDone := make(chan struct{})
	missesDone := make(chan struct{})

	go func() {
		for range hits {
			gotHits++
		}
		close(hitsDone)
	}()
	go func() {
		for range misses {
			gotMisses++
		}
		close(missesDone)
	}()
	<-hitsDone
	<-missesDone

	if gotHits != numCached {
		t.Errorf("hits: got %d, want %d", gotHits, numCached)
	}
	if gotMisses != numNew {
		t.Errorf("misses: got %d, want %d", gotMisses, numNew)
	}
	if progress.CacheHits.Load() != int64(numCached) {
		t.Errorf("CacheHits counter: got %d, want %d", progress.CacheHits.Load(), numCached)
	}
	if progress.CacheMisses.Load() != int64(numNew) {
		t.Errorf("CacheMisses counter: got %d, want %d", progress.CacheMisses.Load(), numNew)
	}
}

// TestCacheCheckAllHits sends only cached files and verifies zero misses.
func TestCacheCheckAllHits(t *testing.T) {
	cat := mustOpenCatalog(t)
	const n = 30
	seedCatalog(t, cat, n)

	progress := &Progress{}
	in := make(chan FileInfo, n)
	hits := make(chan HashedFile, n)
	misses := make(chan FileInfo, n)
	RunCacheCheck(context.Background(), cat, 1, progress, in, hits, misses)

	for i := 0; i < n; i++ {
		in <- FileInfo{
			Path:  fmt.Sprintf("/cached/file%04d.txt", i),
			Size:  int64(i*100 + 1),
			MTime: time.Unix(int64(1000+i), 0),
		}
	}
	close(in)

	var gotHits, gotMisses int
	go func() {
		for range misses {
			gotMisses++
		}
	}()
	for range hits {
		gotHits++
	}

	if gotHits != n {
		t.Errorf("hits: got %d, want %d", gotHits, n)
	}
	if gotMisses != 0 {
		t.Errorf("unexpected misses: %d", gotMisses)
	}
}

// TestCacheCheckStaleMTimeIsMiss verifies that a record whose mtime no
// longer matches the filesystem is treated as a miss, not a hit (spec §4.3
// Idempotence: content may have changed even though the path is known).
func TestCacheCheckStaleMTimeIsMiss(t *testing.T) {
	cat := mustOpenCatalog(t)
	if _, err := cat.AddFile("/a/stale.txt", 10, time.Unix(1000, 0), "", "oldhash"); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	progress := &Progress{}
	in := make(chan FileInfo, 1)
	hits := make(chan HashedFile, 1)
	misses := make(chan FileInfo, 1)
	RunCacheCheck(context.Background(), cat, 1, progress, in, hits, misses)

	in <- FileInfo{Path: "/a/stale.txt", Size: 10, MTime: time.Unix(2000, 0)}
	close(in)

	select {
	case <-hits:
		t.Fatal("expected stale mtime to be routed as a miss, got a hit")
	case <-misses:
	}
}

// TestCacheCheckParallelConsistency runs the same workload with 1 and 4
// workers and verifies both produce the same hit/miss totals.
func TestCacheCheckParallelConsistency(t *testing.T) {
	const (
		numCached = 40
		numNew    = 40
	)

	runCheck := func(numWorkers int) (hits, misses int) {
		cat := mustOpenCatalog(t)
		seedCatalog(t, cat, numCached)

		progress := &Progress{}
		in := make(chan FileInfo, numCached+numNew)
		hitsCh := make(chan HashedFile, numCached+numNew)
		missesCh := make(chan FileInfo, numCached+numNew)
		RunCacheCheck(context.Background(), cat, numWorkers, progress, in, hitsCh, missesCh)

		for i := 0; i < numCached; i++ {
			in <- FileInfo{
				Path:  fmt.Sprintf("/cached/file%04d.txt", i),
				Size:  int64(i*100 + 1),
				MTime: time.Unix(int64(1000+i), 0),
			}
		}
		for i := 0; i < numNew; i++ {
			in <- FileInfo{Path: fmt.Sprintf("/new/file%04d.txt", i), Size: 1, MTime: time.Now()}
		}
		close(in)

		hDone := make(chan struct{})
		mDone := make(chan struct{})
		go func() {
			for range hitsCh {
				hits++
			}
			close(hDone)
		}()
		go func() {
			for range missesCh {
				misses++
			}
			close(mDone)
		}()
		<-hDone
		<-mDone
		return hits, misses
	}

	h1, m1 := runCheck(1)
	h4, m4 := runCheck(4)

	if h1 != h4 {
		t.Errorf("hits: 1 worker=%d, 4 workers=%d — results differ", h1, h4)
	}
	if m1 != m4 {
		t.Errorf("misses: 1 worker=%d, 4 workers=%d — results differ", m1, m4)
	}
	if h1 != numCached {
		t.Errorf("hits: got %d, want %d", h1, numCached)
	}
}
