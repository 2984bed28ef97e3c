package addrspace

import "sort"

// holeRange is one free, unmapped range of an address space's user range.
type holeRange struct {
	addr   uintptr
	length uintptr
}

// holeTree tracks the free ranges of an address space's user range,
// kept sorted by address and coalesced with adjacent holes on every
// release. largestHole mirrors the spec's augmented-interval-tree
// largestHole subtree annotation: the size of the biggest hole currently
// available, recomputed on every structural change. A real interval tree
// would maintain this as an O(log n) per-mutation invariant; the flat
// sorted-slice representation here recomputes it in O(n), which is judged
// acceptable since address-space operations are already O(page-count) at
// this layer (see DESIGN.md).
type holeTree struct {
	holes       []holeRange
	largestHole uintptr
}

// newHoleTree creates a hole tree covering the single range [low, high).
func newHoleTree(low, high uintptr) *holeTree {
	t := &holeTree{holes: []holeRange{{addr: low, length: high - low}}}
	t.recompute()
	return t
}

func (t *holeTree) recompute() {
	var max uintptr
	for _, h := range t.holes {
		if h.length > max {
			max = h.length
		}
	}
	t.largestHole = max
}

func (t *holeTree) indexOf(addr uintptr) int {
	return sort.Search(len(t.holes), func(i int) bool { return t.holes[i].addr >= addr })
}

// Allocate finds a hole of at least length bytes and carves length bytes
// out of it, preferring the lowest address unless preferTop is set, in
// which case it prefers the highest-addressed hole large enough. It
// returns the carved address and true, or false if no hole is large
// enough.
func (t *holeTree) Allocate(length uintptr, preferTop bool) (uintptr, bool) {
	best := -1
	if preferTop {
		for i := len(t.holes) - 1; i >= 0; i-- {
			if t.holes[i].length >= length {
				best = i
				break
			}
		}
	} else {
		for i, h := range t.holes {
			if h.length >= length {
				best = i
				break
			}
		}
	}
	if best < 0 {
		return 0, false
	}

	h := t.holes[best]
	var addr uintptr
	if preferTop {
		addr = h.addr + h.length - length
	} else {
		addr = h.addr
	}
	t.carve(best, addr, length)
	return addr, true
}

// Reserve carves out exactly [addr, addr+length) from whichever hole
// currently contains it. It panics if that range is not entirely free,
// preserving the partition invariant.
func (t *holeTree) Reserve(addr, length uintptr) {
	for i, h := range t.holes {
		if addr >= h.addr && addr+length <= h.addr+h.length {
			t.carve(i, addr, length)
			return
		}
	}
	panic("addrspace: Reserve range is not entirely free")
}

// carve removes [addr, addr+length) from hole index i, which must fully
// contain it, splitting into zero, one, or two remaining holes.
func (t *holeTree) carve(i int, addr, length uintptr) {
	h := t.holes[i]
	var remainder []holeRange
	if addr > h.addr {
		remainder = append(remainder, holeRange{addr: h.addr, length: addr - h.addr})
	}
	tailStart := addr + length
	if tailStart < h.addr+h.length {
		remainder = append(remainder, holeRange{addr: tailStart, length: h.addr + h.length - tailStart})
	}
	t.holes = append(t.holes[:i], append(remainder, t.holes[i+1:]...)...)
	t.recompute()
}

// Release returns [addr, addr+length) to the hole tree, coalescing with
// any adjacent hole.
func (t *holeTree) Release(addr, length uintptr) {
	idx := t.indexOf(addr)
	t.holes = append(t.holes, holeRange{})
	copy(t.holes[idx+1:], t.holes[idx:])
	t.holes[idx] = holeRange{addr: addr, length: length}

	// Coalesce with the following hole.
	if idx+1 < len(t.holes) && t.holes[idx].addr+t.holes[idx].length == t.holes[idx+1].addr {
		t.holes[idx].length += t.holes[idx+1].length
		t.holes = append(t.holes[:idx+1], t.holes[idx+2:]...)
	}
	// Coalesce with the preceding hole.
	if idx > 0 && t.holes[idx-1].addr+t.holes[idx-1].length == t.holes[idx].addr {
		t.holes[idx-1].length += t.holes[idx].length
		t.holes = append(t.holes[:idx], t.holes[idx+1:]...)
	}
	t.recompute()
}

// LargestHole returns the size of the largest currently free hole.
func (t *holeTree) LargestHole() uintptr { return t.largestHole }
