package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapComputeCreatesOnce(t *testing.T) {
	var m Map[string, int]

	creations := 0
	newValue := func(string) int {
		creations++
		return 1
	}

	var seen []int
	compute := func(_ string, v int) { seen = append(seen, v) }

	m.Compute("a", newValue, compute)
	m.Compute("a", newValue, compute)

	require.Equal(t, 1, creations)
	require.Equal(t, []int{1, 1}, seen)
}

func TestMapComputeIfPresentMissing(t *testing.T) {
	var m Map[string, int]
	ran := false
	ok := m.ComputeIfPresent("missing", func(string, int) { ran = true })
	require.False(t, ok)
	require.False(t, ran)
}

func TestMapDeleteIf(t *testing.T) {
	var m Map[string, int]
	m.Compute("a", func(string) int { return 5 }, func(string, int) {})

	m.DeleteIf("a", func(_ string, v int) bool { return v != 5 })
	require.Equal(t, 1, m.Len())

	m.DeleteIf("a", func(_ string, v int) bool { return v == 5 })
	require.Equal(t, 0, m.Len())

	ok := m.ComputeIfPresent("a", func(string, int) {})
	require.False(t, ok)
}

func TestMapRange(t *testing.T) {
	var m Map[string, int]
	for i, k := range []string{"a", "b", "c"} {
		m.Compute(k, func(string) int { return i }, func(string, int) {})
	}

	seen := map[string]int{}
	m.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	require.Equal(t, map[string]int{"a": 0, "b": 1, "c": 2}, seen)

	count := 0
	m.Range(func(string, int) bool {
		count++
		return false
	})
	require.Equal(t, 1, count)
}
