package generics

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceMap(t *testing.T) {
	in := []int{1, 2, 3}
	got := SliceMap(in, func(e int) int { return e * e })
	assert.Equal(t, []int{1, 4, 9}, got)
	assert.Empty(t, SliceMap(nil, func(e int) int { return e }))
}

func TestSortedKeysAndValues(t *testing.T) {
	m := map[int]string{1: "1", 5: "5", 3: "3"}
	// Since the builtin map iterator in Go is deliberately non-deterministic, we
	// run it a bunch of times to show it is stably sorted.
	wantKeys := []int{1, 3, 5}
	wantValues := []string{"1", "3", "5"}
	for range 100 {
		var gotKeys []int
		var gotValues []string
		for k, v := range SortedKeysAndValues(m) {
			gotKeys = append(gotKeys, k)
			gotValues = append(gotValues, v)
		}
		if !slices.Equal(gotKeys, wantKeys) || !slices.Equal(gotValues, wantValues) {
			t.Errorf("got (%v, %v), want (%v, %v)", gotKeys, gotValues, wantKeys, wantValues)
		}
	}
}
