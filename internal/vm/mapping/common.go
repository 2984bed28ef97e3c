package mapping

import (
	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/pagetable"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/view"
)

// bundleFetchSync resolves a view.ViewRange the rest of the way down to a
// physical page, blocking on the underlying bundle's fetch protocol.
func bundleFetchSync(r view.ViewRange) (page.Addr, uintptr, bundle.CachingMode) {
	return bundle.FetchSync(r.Bundle, r.Displacement)
}

// install walks m's page range; for each page already resident (per
// ResolveRange), it installs a page-table entry with permissions derived
// from m's flags (spec §4.6.1). When overwrite is false, the page table
// must be empty at each installed vaddr; install asserts this rather than
// silently clobbering an existing entry.
func install(m Mapping, table pagetable.Table, overwrite bool) error {
	flags := tableFlags(m.MappingFlags())
	for off := uintptr(0); off < m.Length(); off += page.Size {
		phys, ok := m.ResolveRange(off)
		if !ok {
			continue
		}
		vaddr := m.Address() + off
		if overwrite {
			if table.IsMapped(vaddr) {
				if err := table.UnmapRange(vaddr, page.Size, pagetable.ModeNormal); err != nil {
					return err
				}
			}
		} else if table.IsMapped(vaddr) {
			panic("mapping: install(overwrite=false) found a pre-existing page table entry")
		}
		if err := table.MapSingle4K(vaddr, phys, flags, pagetable.CachingDefault); err != nil {
			return err
		}
	}
	return nil
}

// uninstall removes m's range from table. clear=true schedules a TLB
// shootdown (spec §4.9's "uninstall(true)... PageMode::remap") and returns
// the ShootNode tracking its completion; the caller must not treat the
// range as free for reuse until that node's Done channel closes.
func uninstall(m Mapping, table pagetable.Table, clear bool) *pagetable.ShootNode {
	mode := pagetable.ModeNormal
	if clear {
		mode = pagetable.ModeRemap
	}
	if err := table.UnmapRange(m.Address(), m.Length(), mode); err != nil {
		panic("mapping: uninstall failed: " + err.Error())
	}
	if !clear {
		return nil
	}
	node := pagetable.NewShootNode(m.Address(), m.Length())
	table.SubmitShootdown(node)
	return node
}
