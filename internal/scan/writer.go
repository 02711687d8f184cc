package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/nodupelabs/nodupe/internal/catalog"
)

// RunCatalogWriter drains in, batching results into transactions of up to
// batchSize rows written via Catalog.BatchAddFiles (spec §4.1: "all-or-
// nothing" per batch, idempotent across rescans via the path UNIQUE
// constraint's ON CONFLICT upsert). Unlike the teacher's writer, which
// accumulates every result before writing a single pass of duplicate groups,
// this writer streams batches as they arrive: the Catalog is the durable
// record of full_hash per path, and duplicate grouping happens afterwards,
// in the Link pass that Scanner.Run invokes once the writer returns.
//
// Returns when in is closed (successful drain) or ctx is cancelled.
func RunCatalogWriter(ctx context.Context, cat *catalog.Catalog, batchSize int, in <-chan HashedFile) error {
	if batchSize <= 0 {
		batchSize = 512
	}
	batch := make([]catalog.FileRecord, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := cat.BatchAddFiles(batch); err != nil {
			return fmt.Errorf("scan: catalog writer: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			_ = flush()
			return ctx.Err()
		case hf, ok := <-in:
			if !ok {
				return flush()
			}
			batch = append(batch, toFileRecord(hf))
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}

func toFileRecord(hf HashedFile) catalog.FileRecord {
	now := time.Now()
	rec := catalog.FileRecord{
		Path:         hf.Path,
		Size:         hf.Size,
		ModifiedTime: hf.MTime,
		Status:       catalog.StatusActive,
		HashFailed:   hf.Failed,
		ScannedAt:    now,
		UpdatedAt:    now,
	}
	if !hf.Failed {
		rec.FullHash = hf.Hash
	}
	return rec
}
