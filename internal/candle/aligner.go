package candle

import (
	"fmt"
	"sort"
	"time"
)

// Locate returns the index of the latest candle whose open time is at or
// before t, or -1 when every candle opens after t.
func Locate(series []Candle, t time.Time) int {
	i := sort.Search(len(series), func(i int) bool {
		return series[i].OpenTime.After(t)
	})
	return i - 1
}

// Completed returns the index of the latest coarse candle that has fully
// closed by at. A coarse candle still forming at that instant is never
// returned.
func Completed(coarse []Candle, step time.Duration, at time.Time) int {
	return Locate(coarse, at.Add(-step))
}

// Index is a precomputed bucket table answering the same question as Locate
// in O(1). It requires open times aligned to the step grid.
type Index struct {
	step    time.Duration
	first   time.Time
	buckets []int
	n       int
}

// NewIndex builds an Index over coarse. Every open time must be a multiple
// of step and the series must be strictly increasing.
func NewIndex(coarse []Candle, step time.Duration) (*Index, error) {
	if step <= 0 {
		return nil, fmt.Errorf("invalid index step %s", step)
	}
	idx := &Index{step: step, n: len(coarse)}
	if len(coarse) == 0 {
		return idx, nil
	}

	for i, c := range coarse {
		if !c.OpenTime.Equal(c.OpenTime.Truncate(step)) {
			return nil, fmt.Errorf("candle %d at %s is not aligned to %s", i, c.OpenTime.Format(time.RFC3339), step)
		}
		if i > 0 && !c.OpenTime.After(coarse[i-1].OpenTime) {
			return nil, fmt.Errorf("%w: index %d", ErrNonMonotonic, i)
		}
	}

	idx.first = coarse[0].OpenTime
	last := coarse[len(coarse)-1].OpenTime
	size := int(last.Sub(idx.first)/step) + 1
	idx.buckets = make([]int, size)

	j := 0
	for b := 0; b < size; b++ {
		at := idx.first.Add(time.Duration(b) * step)
		for j+1 < len(coarse) && !coarse[j+1].OpenTime.After(at) {
			j++
		}
		idx.buckets[b] = j
	}
	return idx, nil
}

// Lookup returns the same value Locate would for the indexed series.
func (x *Index) Lookup(t time.Time) int {
	if x.n == 0 || t.Before(x.first) {
		return -1
	}
	b := int(t.Sub(x.first) / x.step)
	if b >= len(x.buckets) {
		return x.n - 1
	}
	return x.buckets[b]
}

// Completed mirrors the package-level Completed using the bucket table.
func (x *Index) Completed(at time.Time) int {
	return x.Lookup(at.Add(-x.step))
}
