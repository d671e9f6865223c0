package rangemap

import (
	"strings"
)

type Item[K, V comparable] struct {
	Key K
	Val V
}

// Zone is a maximal run of addresses sharing the same set of items.
type Zone[K, V comparable] struct {
	Range
	Items []Item[K, V]
}

func (z *Zone[K, V]) Get(k K) (V, bool) {
	for _, it := range z.Items {
		if it.Key == k {
			return it.Val, true
		}
	}
	var zero V
	return zero, false
}

func (z *Zone[K, V]) set(k K, v V) {
	for i := range z.Items {
		if z.Items[i].Key == k {
			z.Items[i].Val = v
			return
		}
	}
	z.Items = append(z.Items, Item[K, V]{k, v})
}

func (z *Zone[K, V]) del(k K) {
	for i := range z.Items {
		if z.Items[i].Key == k {
			z.Items = append(z.Items[:i], z.Items[i+1:]...)
			return
		}
	}
}

func (z *Zone[K, V]) clone(r Range) *Zone[K, V] {
	items := make([]Item[K, V], len(z.Items))
	copy(items, z.Items)
	return &Zone[K, V]{Range: r, Items: items}
}

// order does not matter, keys are unique within a zone
func (z *Zone[K, V]) sameItems(o *Zone[K, V]) bool {
	if len(z.Items) != len(o.Items) {
		return false
	}
	for _, it := range z.Items {
		if v, ok := o.Get(it.Key); !ok || v != it.Val {
			return false
		}
	}
	return true
}

// RangeMap maps address intervals to small keyed sets of values. Zones never
// overlap and are kept sorted by address; overlapping Add calls split zones so
// that every address resolves to the full set of values covering it.
type RangeMap[K, V comparable] struct {
	zones []*Zone[K, V]
}

func New[K, V comparable]() *RangeMap[K, V] {
	return &RangeMap[K, V]{}
}

func (m *RangeMap[K, V]) Len() int {
	return len(m.zones)
}

func (m *RangeMap[K, V]) Clear() {
	m.zones = nil
}

// binary search to find index of zone containing addr, if any, else -1
func (m *RangeMap[K, V]) bsearch(addr uint64) int {
	l := 0
	r := len(m.zones) - 1
	for l <= r {
		mid := (l + r) / 2
		e := m.zones[mid]
		if addr >= e.Start {
			if addr < e.Stop {
				return mid
			}
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	return -1
}

// index of the first zone ending after addr
func (m *RangeMap[K, V]) lowerBound(addr uint64) int {
	l, r := 0, len(m.zones)
	for l < r {
		mid := (l + r) / 2
		if m.zones[mid].Stop <= addr {
			l = mid + 1
		} else {
			r = mid
		}
	}
	return l
}

/*
splitAt(addr):
[------zone------]
[-left-][-right--]
        |
        addr
*/
func (m *RangeMap[K, V]) splitAt(addr uint64) {
	i := m.bsearch(addr)
	if i < 0 || m.zones[i].Start == addr {
		return
	}
	z := m.zones[i]
	right := z.clone(Range{addr, z.Stop})
	z.Stop = addr
	m.zones = append(m.zones, nil)
	copy(m.zones[i+2:], m.zones[i+1:])
	m.zones[i+1] = right
}

// Add sets k to v over every address in r, overwriting any previous value for k.
func (m *RangeMap[K, V]) Add(r Range, k K, v V) {
	if r.Empty() {
		return
	}
	m.splitAt(r.Start)
	m.splitAt(r.Stop)

	out := make([]*Zone[K, V], 0, len(m.zones)+2)
	i := 0
	for ; i < len(m.zones) && m.zones[i].Stop <= r.Start; i++ {
		out = append(out, m.zones[i])
	}
	pos := r.Start
	for ; i < len(m.zones) && m.zones[i].Start < r.Stop; i++ {
		z := m.zones[i]
		if pos < z.Start {
			out = append(out, &Zone[K, V]{Range{pos, z.Start}, []Item[K, V]{{k, v}}})
		}
		z.set(k, v)
		out = append(out, z)
		pos = z.Stop
	}
	if pos < r.Stop {
		out = append(out, &Zone[K, V]{Range{pos, r.Stop}, []Item[K, V]{{k, v}}})
	}
	m.zones = append(out, m.zones[i:]...)
}

// Remove deletes k from every address in r.
func (m *RangeMap[K, V]) Remove(r Range, k K) {
	if r.Empty() {
		return
	}
	m.splitAt(r.Start)
	m.splitAt(r.Stop)
	out := m.zones[:0]
	for _, z := range m.zones {
		if z.Start >= r.Start && z.Stop <= r.Stop {
			z.del(k)
		}
		if len(z.Items) > 0 {
			out = append(out, z)
		}
	}
	m.zones = out
}

// RemoveKey deletes k everywhere and returns the ranges it covered.
func (m *RangeMap[K, V]) RemoveKey(k K) []Range {
	var removed []Range
	out := m.zones[:0]
	for _, z := range m.zones {
		if _, ok := z.Get(k); ok {
			z.del(k)
			removed = append(removed, z.Range)
		}
		if len(z.Items) > 0 {
			out = append(out, z)
		}
	}
	m.zones = out
	return removed
}

func (m *RangeMap[K, V]) Lookup(addr uint64) []Item[K, V] {
	i := m.bsearch(addr)
	if i < 0 {
		return nil
	}
	items := make([]Item[K, V], len(m.zones[i].Items))
	copy(items, m.zones[i].Items)
	return items
}

func (m *RangeMap[K, V]) Get(addr uint64, k K) (V, bool) {
	if i := m.bsearch(addr); i >= 0 {
		return m.zones[i].Get(k)
	}
	var zero V
	return zero, false
}

// Overlaps returns copies of the zones intersecting r, unclipped, in address order.
func (m *RangeMap[K, V]) Overlaps(r Range) []Zone[K, V] {
	var ret []Zone[K, V]
	for i := m.lowerBound(r.Start); i < len(m.zones) && m.zones[i].Start < r.Stop; i++ {
		ret = append(ret, *m.zones[i].clone(m.zones[i].Range))
	}
	return ret
}

func (m *RangeMap[K, V]) Zones() []Zone[K, V] {
	ret := make([]Zone[K, V], len(m.zones))
	for i, z := range m.zones {
		ret[i] = *z.clone(z.Range)
	}
	return ret
}

// Compact merges touching neighbours holding the same items.
func (m *RangeMap[K, V]) Compact() {
	if len(m.zones) < 2 {
		return
	}
	out := m.zones[:1]
	for _, z := range m.zones[1:] {
		last := out[len(out)-1]
		if last.Stop == z.Start && last.sameItems(z) {
			last.Stop = z.Stop
			continue
		}
		out = append(out, z)
	}
	m.zones = out
}

func (m *RangeMap[K, V]) String() string {
	s := make([]string, len(m.zones))
	for i, z := range m.zones {
		s[i] = z.Range.String()
	}
	return strings.Join(s, "\n")
}
