package rangemap

import (
	"sort"
)

// BoolRangeMap is a set of addresses stored as merged, sorted ranges.
type BoolRangeMap struct {
	ranges []Range
}

// Set adds r to the set, merging it with anything it overlaps or touches.
func (b *BoolRangeMap) Set(r Range) {
	if r.Empty() {
		return
	}
	i := sort.Search(len(b.ranges), func(i int) bool { return b.ranges[i].Stop >= r.Start })
	j := i
	for j < len(b.ranges) && b.ranges[j].Start <= r.Stop {
		if b.ranges[j].Start < r.Start {
			r.Start = b.ranges[j].Start
		}
		if b.ranges[j].Stop > r.Stop {
			r.Stop = b.ranges[j].Stop
		}
		j++
	}
	out := make([]Range, 0, len(b.ranges)-(j-i)+1)
	out = append(out, b.ranges[:i]...)
	out = append(out, r)
	b.ranges = append(out, b.ranges[j:]...)
}

func (b *BoolRangeMap) Contains(addr uint64) bool {
	i := sort.Search(len(b.ranges), func(i int) bool { return b.ranges[i].Stop > addr })
	return i < len(b.ranges) && b.ranges[i].Contains(addr)
}

func (b *BoolRangeMap) Ranges() []Range {
	ret := make([]Range, len(b.ranges))
	copy(ret, b.ranges)
	return ret
}

func (b *BoolRangeMap) Empty() bool {
	return len(b.ranges) == 0
}

func (b *BoolRangeMap) Clear() {
	b.ranges = nil
}
