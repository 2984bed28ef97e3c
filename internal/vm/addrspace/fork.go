package addrspace

import (
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/mapping"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/pagetable"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/view"
)

// eagerForkItem pairs a freshly allocated destination bundle with the
// mapping it must be populated from, for the ForkEager path's post-copy
// install pass (spec §4.7.3's "ForkItem{mapping, dest_bundle}").
type eagerForkItem struct {
	parent   mapping.Mapping
	child    mapping.Mapping
	destBund *bundle.Allocated
}

// Fork walks this address space's mappings against childTable, producing a
// new AddressSpace per each mapping's ForkPolicy (spec §4.7.2-3):
//
//   - DropAtFork: the child gets a hole over that range (the default, since
//     a fresh hole tree already covers the whole range).
//   - ShareAtFork: shareMapping into the child, installed immediately.
//   - CopyOnWriteAtFork: depends on ForkMode. ForkLazy constructs a real
//     CowMapping chain, lazily materializing on first write. ForkEager
//     reproduces the source's live path: a fresh anonymous bundle is
//     allocated per mapping and every parent page is prepared (faulted in
//     if not yet resident) and copied into it, fanned out across mappings
//     with errgroup, before the resulting
//     mappings are installed.
func (a *AddressSpace) Fork(childTable pagetable.Table) (*AddressSpace, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	child := New(a.low, a.high, childTable, a.alloc, a.accessor, a.forkMode)

	var eagerItems []eagerForkItem

	for _, m := range a.mappings {
		switch m.Fork() {
		case mapping.DropAtFork:
			continue

		case mapping.ShareAtFork:
			nm, ok := m.(*mapping.NormalMapping)
			if !ok {
				panic("addrspace: ShareAtFork is only defined for NormalMapping")
			}
			shared := nm.ShareMapping(nm.Address())
			child.holes.Reserve(shared.Address(), shared.Length())
			child.insertMapping(shared)
			if err := shared.Install(childTable, false); err != nil {
				return nil, err
			}

		case mapping.CopyOnWriteAtFork:
			if a.forkMode == ForkLazy {
				var childMapping mapping.Mapping
				switch mm := m.(type) {
				case *mapping.NormalMapping:
					childMapping = mm.CopyOnWrite(mm.Address(), a.alloc, a.accessor)
				case *mapping.CowMapping:
					childMapping = mm.CopyOnWrite(mm.Address())
				default:
					panic("addrspace: unknown mapping type for CopyOnWriteAtFork")
				}
				child.holes.Reserve(childMapping.Address(), childMapping.Length())
				child.insertMapping(childMapping)
				if err := childMapping.Install(childTable, false); err != nil {
					return nil, err
				}
				continue
			}

			destBund := bundle.NewAllocated(a.alloc, a.accessor, m.Length(), page.Size)
			destView := view.NewExteriorBundleView(destBund, 0, m.Length())
			childMapping := mapping.NewNormalMapping(m.Address(), m.Length(), destView, 0, m.MappingFlags(), m.Fork())
			child.holes.Reserve(childMapping.Address(), childMapping.Length())
			child.insertMapping(childMapping)
			eagerItems = append(eagerItems, eagerForkItem{parent: m, child: childMapping, destBund: destBund})
		}
	}

	if len(eagerItems) > 0 {
		var eg errgroup.Group
		for _, item := range eagerItems {
			item := item
			eg.Go(func() error {
				for off := uintptr(0); off < item.parent.Length(); off += page.Size {
					srcPhys := item.parent.PrepareRange(off)
					destPhys, _, _ := bundle.FetchSync(item.destBund, off)
					dst := a.accessor.Bytes(destPhys, page.Size)
					src := a.accessor.Bytes(srcPhys, page.Size)
					copy(dst, src)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		for _, item := range eagerItems {
			if err := item.child.Install(childTable, false); err != nil {
				return nil, err
			}
		}
	}

	return child, nil
}
