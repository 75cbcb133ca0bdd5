// Package match correlates a record with its nearest neighbour in time.
//
// It is used in both directions of the water level / video association: a new
// water level looks for the nearest unlinked video, a new video looks for the
// nearest water level. Both directions share the same tie-break and cutoff rules.
package match

import (
	"sort"
	"time"
)

// Result is the outcome of a lookup. Found is false when no candidate qualified.
type Result[T any] struct {
	Record T
	Found  bool
	// Delta is the absolute distance between the target and Record.
	Delta time.Duration
}

// NotFound returns an empty result.
func NotFound[T any]() Result[T] {
	return Result[T]{}
}

func found[T any](rec T, delta time.Duration) Result[T] {
	return Result[T]{Record: rec, Found: true, Delta: delta}
}

// Choose picks between the latest candidate at or before target and the
// earliest candidate after it. The closer one wins; an exact tie goes to
// before. A maxDelta <= 0 disables the cutoff; otherwise a winner further than
// maxDelta away yields NotFound rather than a fallback to the other side.
func Choose[T any](target time.Time, before, after *T, ts func(T) time.Time, maxDelta time.Duration) Result[T] {
	var res Result[T]
	switch {
	case before != nil && after != nil:
		db := absDiff(target, ts(*before))
		da := absDiff(target, ts(*after))
		if da < db {
			res = found(*after, da)
		} else {
			res = found(*before, db)
		}
	case before != nil:
		res = found(*before, absDiff(target, ts(*before)))
	case after != nil:
		res = found(*after, absDiff(target, ts(*after)))
	default:
		return NotFound[T]()
	}

	if maxDelta > 0 && res.Delta > maxDelta {
		return NotFound[T]()
	}
	return res
}

// Closest finds the record nearest to target in candidates, which must be
// sorted by ascending timestamp. Equal timestamps are allowed.
func Closest[T any](target time.Time, candidates []T, ts func(T) time.Time, maxDelta time.Duration) Result[T] {
	// first index with timestamp > target
	i := sort.Search(len(candidates), func(i int) bool {
		return ts(candidates[i]).After(target)
	})

	var before, after *T
	if i > 0 {
		before = &candidates[i-1]
	}
	if i < len(candidates) {
		after = &candidates[i]
	}
	return Choose(target, before, after, ts, maxDelta)
}

func absDiff(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
