package events

import "iter"

// EveryN yields the items of seq and calls fn with the running count after
// every n items. A non-positive n disables the callback.
func EveryN[T any](seq iter.Seq[T], n int, fn func(count int)) iter.Seq[T] {
	return func(yield func(T) bool) {
		count := 0
		for v := range seq {
			if !yield(v) {
				return
			}
			count++
			if n > 0 && count%n == 0 {
				fn(count)
			}
		}
	}
}
