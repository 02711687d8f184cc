package planner

import (
	"context"
	"fmt"
	"sort"

	"github.com/nodupelabs/nodupe/internal/catalog"
)

// Strategy names the keeper-selection rule a Planner applies to every
// duplicate group (spec §4.4).
type Strategy string

const (
	StrategyNewest       Strategy = "newest"
	StrategyOldest       Strategy = "oldest"
	StrategyShortestPath Strategy = "shortest_path"
	StrategyInteractive  Strategy = "interactive"
)

// ParseStrategy validates a strategy name from a CLI flag.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyNewest, StrategyOldest, StrategyShortestPath, StrategyInteractive:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("planner: unknown strategy %q (want newest, oldest, shortest_path, or interactive)", s)
	}
}

// InteractiveCallback resolves the keeper for a single group when Strategy
// is StrategyInteractive. It returns the index into group of the chosen
// keeper. The callback is the whole of the interactive strategy's contract
// (spec §4.4: "out-of-scope for this spec beyond its interface") — this
// package has no terminal UI of its own.
type InteractiveCallback func(ctx context.Context, group []catalog.FileRecord) (int, error)

// sortGroup reorders group in place so group[0] is the keeper under
// strategy, for the three built-in strategies. It is not used for
// StrategyInteractive, which instead calls the injected callback directly.
func sortGroup(strategy Strategy, group []catalog.FileRecord) {
	var less func(a, b catalog.FileRecord) bool

	switch strategy {
	case StrategyNewest:
		less = func(a, b catalog.FileRecord) bool {
			if !a.ModifiedTime.Equal(b.ModifiedTime) {
				return a.ModifiedTime.After(b.ModifiedTime)
			}
			if len(a.Path) != len(b.Path) {
				return len(a.Path) < len(b.Path)
			}
			return a.Path < b.Path
		}
	case StrategyOldest:
		less = func(a, b catalog.FileRecord) bool {
			if !a.ModifiedTime.Equal(b.ModifiedTime) {
				return a.ModifiedTime.Before(b.ModifiedTime)
			}
			if len(a.Path) != len(b.Path) {
				return len(a.Path) < len(b.Path)
			}
			return a.Path < b.Path
		}
	case StrategyShortestPath:
		less = func(a, b catalog.FileRecord) bool {
			if len(a.Path) != len(b.Path) {
				return len(a.Path) < len(b.Path)
			}
			return a.ModifiedTime.After(b.ModifiedTime)
		}
	default:
		panic(fmt.Sprintf("planner: sortGroup called with non-built-in strategy %q", strategy))
	}

	sort.Slice(group, func(i, j int) bool { return less(group[i], group[j]) })
}
