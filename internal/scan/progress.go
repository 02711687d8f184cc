package scan

import (
	"sync/atomic"

	"github.com/nodupelabs/nodupe/internal/catalog"
)

// Progress holds live counters updated by the pipeline stages. All fields
// are atomic so they can be written from worker goroutines and read from a
// concurrent `status` query without locks.
type Progress struct {
	FilesSeen       atomic.Int64
	CandidatesFound atomic.Int64
	QuickHashed     atomic.Int64
	FullHashed      atomic.Int64
	BytesRead       atomic.Int64
	CacheHits       atomic.Int64
	CacheMisses     atomic.Int64
	Errors          atomic.Int64
}

// Snapshot captures the current counters as a catalog.ScanSessionProgress
// for persistence.
func (p *Progress) Snapshot() catalog.ScanSessionProgress {
	return catalog.ScanSessionProgress{
		FilesSeen:   p.FilesSeen.Load(),
		FilesHashed: p.FullHashed.Load(),
		BytesHashed: p.BytesRead.Load(),
		CacheHits:   p.CacheHits.Load(),
		CacheMisses: p.CacheMisses.Load(),
	}
}
