// Package generics implements generic data structure functions missing from the stdlib.
package generics

import (
	"cmp"
	"iter"
	"maps"
	"slices"
)

// SliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedKeys returns an iterator over the sorted keys of the given map.
//
// It extracts the keys, sort them and then iterate over, so it's convenient but not fast.
func SortedKeys[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq[K] {
	sortedKeys := slices.Collect(maps.Keys(m))
	slices.Sort(sortedKeys)
	return slices.Values(sortedKeys)
}

// SortedKeysAndValues returns an iterator over keys and values of a map m in a sorted fashion by the keys.
//
// It extracts the keys, sort them and then iterate over, so it's convenient but not fast.
func SortedKeysAndValues[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq2[K, V] {
	sortedKeys := slices.Collect(maps.Keys(m))
	slices.Sort(sortedKeys)
	return func(yield func(K, V) bool) {
		for _, key := range sortedKeys {
			if !yield(key, m[key]) {
				break
			}
		}
	}
}

// Pair defines a pair of 2 arbitrary types.
type Pair[A, B any] struct {
	A A
	B B
}

// CollectPairs from an iterator with 2 values.
func CollectPairs[A, B any](seq iter.Seq2[A, B]) []Pair[A, B] {
	var pairs []Pair[A, B]
	for a, b := range seq {
		pairs = append(pairs, Pair[A, B]{a, b})
	}
	return pairs
}
