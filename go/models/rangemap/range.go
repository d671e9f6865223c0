package rangemap

import (
	"fmt"
)

// Range is a half-open interval [Start, Stop).
type Range struct {
	Start, Stop uint64
}

func R(start, size uint64) Range {
	return Range{Start: start, Stop: start + size}
}

func (r Range) Size() uint64 {
	if r.Stop <= r.Start {
		return 0
	}
	return r.Stop - r.Start
}

func (r Range) Empty() bool {
	return r.Stop <= r.Start
}

func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.Stop
}

// start = max(s1, s2), stop = min(e1, e2), ok = stop > start
func (r Range) Intersect(o Range) (Range, bool) {
	start, stop := r.Start, r.Stop
	if o.Start > start {
		start = o.Start
	}
	if o.Stop < stop {
		stop = o.Stop
	}
	return Range{start, stop}, stop > start
}

func (r Range) Overlaps(o Range) bool {
	_, ok := r.Intersect(o)
	return ok
}

func (r Range) String() string {
	return fmt.Sprintf("0x%x-0x%x", r.Start, r.Stop)
}
