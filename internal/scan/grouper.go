package scan

import "context"

// RunQuickHashGrouper reads HashedFiles whose Hash field holds a quick
// (head-bytes) hash. The first file per quick hash is buffered. When a
// second file with the same quick hash arrives, both are emitted — they are
// candidates for full hashing. Subsequent files with a seen quick hash are
// emitted immediately. out is closed when in is exhausted or ctx is
// cancelled.
func RunQuickHashGrouper(ctx context.Context, in <-chan HashedFile, out chan<- HashedFile) {
	go func() {
		defer close(out)

		first := make(map[string]HashedFile) // quick hash → first-seen file
		seen := make(map[string]bool)        // quick hashes with ≥2 files

		for {
			select {
			case <-ctx.Done():
				return
			case hf, ok := <-in:
				if !ok {
					return
				}

				if seen[hf.Hash] {
					select {
					case out <- hf:
					case <-ctx.Done():
						return
					}
					continue
				}

				if prev, ok := first[hf.Hash]; ok {
					seen[hf.Hash] = true
					delete(first, hf.Hash)
					for _, f := range [2]HashedFile{prev, hf} {
						select {
						case out <- f:
						case <-ctx.Done():
							return
						}
					}
				} else {
					first[hf.Hash] = hf
				}
			}
		}
	}()
}
