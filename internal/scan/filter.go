package scan

import (
	"context"
	"path/filepath"
	"strings"
)

// RunFilter drops FileInfos outside [minSize, maxSize] (0 means unbounded on
// that side) or whose extension is not in extensions (empty extensions means
// no extension filter). It is the Filter stage of spec §4.2, applied before
// size-based candidate accumulation so excluded files never occupy a
// duplicate-candidate slot. out is closed when in is exhausted or ctx is
// cancelled.
func RunFilter(ctx context.Context, minSize, maxSize int64, extensions []string, in <-chan FileInfo, out chan<- FileInfo) {
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		allowed[normalizeExt(ext)] = struct{}{}
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case fi, ok := <-in:
				if !ok {
					return
				}
				if minSize > 0 && fi.Size < minSize {
					continue
				}
				if maxSize > 0 && fi.Size > maxSize {
					continue
				}
				if len(allowed) > 0 {
					if _, ok := allowed[normalizeExt(filepath.Ext(fi.Path))]; !ok {
						continue
					}
				}
				select {
				case out <- fi:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
