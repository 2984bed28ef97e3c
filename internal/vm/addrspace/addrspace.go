// Package addrspace implements AddressSpace (spec §4.7): the hole tree and
// mapping tree that partition a process's user range, and the
// map/unmap/handleFault/fork operations driven against them.
package addrspace

import (
	"errors"
	"sort"
	"sync"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/mapping"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/pagetable"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/physalloc"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/view"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/vmerr"
)

// FaultFlags describes the kind of access that triggered a page fault
// (spec §4.7 step 2, §6's handleFault interface). Read is implicit;
// Write/Exec are explicit and checked against the covering mapping's
// permissions before any page is faulted in.
type FaultFlags uint32

const (
	FaultWrite FaultFlags = 1 << iota
	FaultExec
)

// ForkMode resolves the spec's Open Question about copyOnWriteAtFork: the
// distilled source has a true lazy CoW path dead-code-gated behind
// `if (false)`, with an eager whole-range copy as the only live path. Both
// are implemented here and selected per address space.
type ForkMode int

const (
	// ForkEager reproduces the source's live behavior: every
	// CopyOnWriteAtFork mapping is fully copied into a fresh anonymous
	// bundle at fork time, fanned out across mappings with errgroup.
	ForkEager ForkMode = iota
	// ForkLazy activates the dead-code-gated path: CopyOnWriteAtFork
	// mappings become real CowMapping chains, materializing pages only
	// on the first write after fork.
	ForkLazy
)

var (
	// ErrNoSpace reports that no hole was large enough to satisfy a map
	// request.
	ErrNoSpace = errors.New("addrspace: no hole large enough")
	// ErrNoMapping reports a fault or unmap against an address with no
	// covering mapping.
	ErrNoMapping = errors.New("addrspace: no mapping at address")
	// ErrPartialUnmap reports an unmap call whose [address, length) does
	// not exactly match one existing mapping (spec §4.8: "partial unmap
	// not yet supported").
	ErrPartialUnmap = errors.New("addrspace: partial unmap is not supported")
)

// MapOptions configures AddressSpace.Map (spec §4.10's map flag space,
// restricted to the bits this layer interprets directly).
type MapOptions struct {
	Fixed      bool // place exactly at Hint; panics if that range is not free
	Hint       uintptr
	PreferTop  bool
	Populate   bool // prepareRange every page before returning
	Flags      mapping.Flags
	ForkPolicy mapping.ForkPolicy
}

// AddressSpace owns a hole tree, a mapping tree, and a page-table handle
// (spec §4.7).
type AddressSpace struct {
	mu sync.Mutex

	low, high uintptr
	holes     *holeTree
	mappings  []mapping.Mapping // sorted by Address(), non-overlapping

	table    pagetable.Table
	alloc    physalloc.Allocator
	accessor page.Accessor
	forkMode ForkMode
}

// New creates an empty address space covering [low, high).
func New(low, high uintptr, table pagetable.Table, alloc physalloc.Allocator, accessor page.Accessor, forkMode ForkMode) *AddressSpace {
	if low >= high || !page.Aligned(low) || !page.Aligned(high) {
		panic("addrspace: New requires a non-empty, page-aligned range")
	}
	return &AddressSpace{
		low:      low,
		high:     high,
		holes:    newHoleTree(low, high),
		table:    table,
		alloc:    alloc,
		accessor: accessor,
		forkMode: forkMode,
	}
}

func (a *AddressSpace) mappingIndex(addr uintptr) int {
	return sort.Search(len(a.mappings), func(i int) bool { return a.mappings[i].Address() >= addr })
}

// findMapping returns the mapping covering addr, if any.
func (a *AddressSpace) findMapping(addr uintptr) (mapping.Mapping, bool) {
	i := sort.Search(len(a.mappings), func(i int) bool {
		return a.mappings[i].Address()+a.mappings[i].Length() > addr
	})
	if i < len(a.mappings) && a.mappings[i].Address() <= addr {
		return a.mappings[i], true
	}
	return nil, false
}

func (a *AddressSpace) insertMapping(m mapping.Mapping) {
	i := a.mappingIndex(m.Address())
	a.mappings = append(a.mappings, nil)
	copy(a.mappings[i+1:], a.mappings[i:])
	a.mappings[i] = m
}

func (a *AddressSpace) removeMapping(addr uintptr) {
	i := a.mappingIndex(addr)
	if i >= len(a.mappings) || a.mappings[i].Address() != addr {
		panic("addrspace: removeMapping: no mapping at exact address")
	}
	a.mappings = append(a.mappings[:i], a.mappings[i+1:]...)
}

// Map allocates a virtual range, binds it to v at viewOffset for length
// bytes, installs any already-resident pages, and returns the assigned
// address (spec §4.10, data-flow overview). A range that extends past the
// end of v is rejected with a vmerr BufferTooSmall error.
func (a *AddressSpace) Map(v view.VirtualView, viewOffset, length uintptr, opts MapOptions) (uintptr, error) {
	length = page.RoundUp(length)
	if viewOffset+length > v.Length() {
		return 0, vmerr.ErrBufferTooSmall(viewOffset, length, v.Length())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var addr uintptr
	if opts.Fixed {
		addr = page.RoundDown(opts.Hint)
		a.holes.Reserve(addr, length)
	} else {
		got, ok := a.holes.Allocate(length, opts.PreferTop)
		if !ok {
			return 0, ErrNoSpace
		}
		addr = got
	}

	m := mapping.NewNormalMapping(addr, length, v, viewOffset, opts.Flags, opts.ForkPolicy)
	if opts.Populate {
		for off := uintptr(0); off < length; off += page.Size {
			m.PrepareRange(off)
		}
	}
	if err := m.Install(a.table, false); err != nil {
		return 0, err
	}
	a.insertMapping(m)
	return addr, nil
}

// Unmap removes the mapping exactly covering [address, address+length).
// Partial unmap is rejected, per spec §4.8. This is one of the core's named
// suspension points (spec §5: "AddressSpace::unmap across the
// TLB-shootdown completion"): the freed range is not returned to the hole
// tree until every CPU has acknowledged the invalidation.
func (a *AddressSpace) Unmap(address, length uintptr) error {
	length = page.RoundUp(length)

	a.mu.Lock()

	m, ok := a.findMapping(address)
	if !ok {
		a.mu.Unlock()
		return ErrNoMapping
	}
	if m.Address() != address || m.Length() != length {
		a.mu.Unlock()
		return ErrPartialUnmap
	}

	node := m.Uninstall(a.table, true)
	a.removeMapping(address)
	a.mu.Unlock()

	// Release every object-local lock before blocking on the shootdown
	// continuation, so other operations on this address space are not
	// stalled behind cross-CPU TLB invalidation.
	if node != nil {
		<-node.Done
	}

	a.mu.Lock()
	a.holes.Release(address, length)
	a.mu.Unlock()
	return nil
}

// HandleFault services a page fault at vaddr carrying the given access
// kind (spec §4.11 / §4.7 step 2): locate the mapping, check fault against
// its permissions, prepareRange the faulting page, then install it. A
// fault kind the mapping does not permit (e.g. a write against a
// read-only mapping) resolves unsuccessfully rather than being granted.
func (a *AddressSpace) HandleFault(vaddr uintptr, fault FaultFlags) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, ok := a.findMapping(vaddr)
	if !ok {
		return ErrNoMapping
	}

	if fault&FaultWrite != 0 && m.MappingFlags()&mapping.FlagWrite == 0 {
		return vmerr.ErrFault(vaddr)
	}
	if fault&FaultExec != 0 && m.MappingFlags()&mapping.FlagExec == 0 {
		return vmerr.ErrFault(vaddr)
	}

	pageOff := page.RoundDown(vaddr) - m.Address()
	m.PrepareRange(pageOff)
	phys, ok := m.ResolveRange(pageOff)
	if !ok {
		panic("addrspace: HandleFault: resolveRange absent after prepareRange")
	}

	var flags pagetable.Flags
	if m.MappingFlags()&mapping.FlagWrite != 0 {
		flags |= pagetable.FlagWrite
	}
	if m.MappingFlags()&mapping.FlagExec != 0 {
		flags |= pagetable.FlagExec
	}
	vaddrPage := page.RoundDown(vaddr)
	if a.table.IsMapped(vaddrPage) {
		if err := a.table.UnmapRange(vaddrPage, page.Size, pagetable.ModeNormal); err != nil {
			return err
		}
	}
	return a.table.MapSingle4K(vaddrPage, phys, flags, pagetable.CachingDefault)
}
