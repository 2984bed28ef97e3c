package mapping

import (
	"github.com/orizon-lang/orizon-vmcore/internal/vm/cow"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/pagetable"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/physalloc"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/view"
)

// NormalMapping is a mapping backed directly by a view + offset (spec
// §4.6.1).
type NormalMapping struct {
	address    uintptr
	length     uintptr
	flags      Flags
	forkPolicy ForkPolicy

	view       view.VirtualView
	viewOffset uintptr
}

// NewNormalMapping creates a NormalMapping over [viewOffset,
// viewOffset+length) of v, to be installed starting at address.
func NewNormalMapping(address, length uintptr, v view.VirtualView, viewOffset uintptr, flags Flags, forkPolicy ForkPolicy) *NormalMapping {
	if length == 0 || !page.Aligned(length) || !page.Aligned(address) {
		panic("mapping: NormalMapping requires a non-zero page-aligned length and address")
	}
	if viewOffset+length > v.Length() {
		panic("mapping: NormalMapping range exceeds view length")
	}
	return &NormalMapping{
		address:    address,
		length:     length,
		flags:      flags,
		forkPolicy: forkPolicy,
		view:       v,
		viewOffset: viewOffset,
	}
}

func (m *NormalMapping) Address() uintptr         { return m.address }
func (m *NormalMapping) Length() uintptr          { return m.length }
func (m *NormalMapping) MappingFlags() Flags      { return m.flags }
func (m *NormalMapping) Fork() ForkPolicy         { return m.forkPolicy }

func (m *NormalMapping) ResolveRange(offset uintptr) (page.Addr, bool) {
	r, err := m.view.TranslateRange(m.viewOffset+offset, page.Size)
	if err != nil {
		return page.Absent, false
	}
	phys, caching := r.Bundle.Peek(r.Displacement)
	_ = caching
	if phys == page.Absent {
		return page.Absent, false
	}
	return phys, true
}

func (m *NormalMapping) PrepareRange(offset uintptr) page.Addr {
	r, err := m.view.TranslateRange(m.viewOffset+offset, page.Size)
	if err != nil {
		panic("mapping: PrepareRange offset exceeds mapping range: " + err.Error())
	}
	phys, _, _ := bundleFetchSync(r)
	return phys
}

func (m *NormalMapping) Install(table pagetable.Table, overwrite bool) error {
	return install(m, table, overwrite)
}

func (m *NormalMapping) Uninstall(table pagetable.Table, clear bool) *pagetable.ShootNode {
	return uninstall(m, table, clear)
}

// ShareMapping constructs a new NormalMapping referencing the same view and
// offset, to be installed at destAddr in another address space (spec
// §4.6.3). Share is not defined for CowMapping: forked CoW must re-CoW.
func (m *NormalMapping) ShareMapping(destAddr uintptr) *NormalMapping {
	return NewNormalMapping(destAddr, m.length, m.view, m.viewOffset, m.flags, m.forkPolicy)
}

// CopyOnWrite creates a fresh CoW chain rooted on m's own view (translated
// by m's viewOffset), then constructs a CowMapping at destAddr backed by
// it (spec §4.6.3).
func (m *NormalMapping) CopyOnWrite(destAddr uintptr, alloc physalloc.Allocator, accessor page.Accessor) *CowMapping {
	root := cow.NewRoot(alloc, accessor, &offsetView{inner: m.view, base: m.viewOffset, length: m.length}, m.length)
	return NewCowMapping(destAddr, m.length, root, m.flags, m.forkPolicy)
}

// offsetView re-bases a VirtualView by a fixed offset, letting a
// NormalMapping's CoW chain translate in the mapping's own coordinate
// space rather than the whole underlying view's.
type offsetView struct {
	inner  view.VirtualView
	base   uintptr
	length uintptr
}

func (v *offsetView) Length() uintptr { return v.length }

func (v *offsetView) TranslateRange(offset, size uintptr) (view.ViewRange, error) {
	if offset < v.length {
		if remaining := v.length - offset; size > remaining {
			size = remaining
		}
	}
	return v.inner.TranslateRange(v.base+offset, size)
}
