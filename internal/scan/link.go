package scan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nodupelabs/nodupe/internal/catalog"
)

// Link runs the scan pipeline's final stage (spec §4.3 step 5): for every
// hash with ≥2 active members it sorts the group by path, marks the first
// as the original, and marks the rest as duplicates of it. This is a
// default keeper choice; the Planner may re-select a different keeper on a
// later pass without needing to re-scan.
//
// Link is idempotent and safe to re-run: a group whose keeper already
// matches the sorted-by-path winner performs no writes beyond the no-op
// BatchMarkAsDuplicate call. ctx is checked between groups so a cancelled
// scan still leaves the catalog in a consistent state — any group already
// linked stays linked, and the remaining groups are picked up on the next
// Link pass (spec §4.3 Idempotence).
func Link(ctx context.Context, cat *catalog.Catalog) (int64, error) {
	it, err := cat.DuplicateHashes()
	if err != nil {
		return 0, fmt.Errorf("scan: link: %w", err)
	}
	defer it.Close()

	var groupsLinked int64
	for it.Next() {
		select {
		case <-ctx.Done():
			return groupsLinked, ctx.Err()
		default:
		}

		hash, err := it.Hash()
		if err != nil {
			return groupsLinked, fmt.Errorf("scan: link: %w", err)
		}

		members, err := cat.FindDuplicatesByHash(hash)
		if err != nil {
			return groupsLinked, fmt.Errorf("scan: link: group %q: %w", hash, err)
		}
		if len(members) < 2 {
			continue
		}
		// FindDuplicatesByHash already orders by path, so members[0] is the
		// deterministic initial keeper.
		keeper := members[0]

		if keeper.IsDuplicate {
			if err := cat.MarkAsOriginal(keeper.ID); err != nil {
				return groupsLinked, fmt.Errorf("scan: link: mark original %d: %w", keeper.ID, err)
			}
		}

		nonKeepers := make([]int64, 0, len(members)-1)
		for _, m := range members[1:] {
			nonKeepers = append(nonKeepers, m.ID)
		}
		if err := cat.BatchMarkAsDuplicate(nonKeepers, keeper.ID); err != nil {
			return groupsLinked, fmt.Errorf("scan: link: group %q: %w", hash, err)
		}
		groupsLinked++
	}
	if err := it.Err(); err != nil {
		return groupsLinked, fmt.Errorf("scan: link: %w", err)
	}

	slog.Info("scan: link pass complete", "groups_linked", groupsLinked)
	return groupsLinked, nil
}
