package events

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEveryN(t *testing.T) {
	t.Parallel()
	var calls []int
	var seen []int
	for v := range EveryN(slices.Values([]int{1, 2, 3, 4, 5, 6, 7}), 3, func(n int) { calls = append(calls, n) }) {
		seen = append(seen, v)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, seen)
	assert.Equal(t, []int{3, 6}, calls)
}

func TestEveryNStopsEarlyAndDisabled(t *testing.T) {
	t.Parallel()
	calls := 0
	for v := range EveryN(slices.Values([]int{1, 2, 3, 4}), 1, func(int) { calls++ }) {
		if v == 2 {
			break
		}
	}
	assert.Equal(t, 1, calls)

	for range EveryN(slices.Values([]int{1, 2, 3}), 0, func(int) { t.Fatal("disabled") }) {
	}
}
