package mapping

import (
	"github.com/orizon-lang/orizon-vmcore/internal/vm/cow"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/pagetable"
)

// CowMapping is a mapping owning a copy-on-write chain (spec §4.6.2).
type CowMapping struct {
	address    uintptr
	length     uintptr
	flags      Flags
	forkPolicy ForkPolicy

	chain *cow.Chain
}

// NewCowMapping wraps chain as a mapping starting at address.
func NewCowMapping(address, length uintptr, chain *cow.Chain, flags Flags, forkPolicy ForkPolicy) *CowMapping {
	if length == 0 || !page.Aligned(length) || !page.Aligned(address) {
		panic("mapping: CowMapping requires a non-zero page-aligned length and address")
	}
	return &CowMapping{address: address, length: length, flags: flags, forkPolicy: forkPolicy, chain: chain}
}

func (m *CowMapping) Address() uintptr    { return m.address }
func (m *CowMapping) Length() uintptr     { return m.length }
func (m *CowMapping) MappingFlags() Flags { return m.flags }
func (m *CowMapping) Fork() ForkPolicy    { return m.forkPolicy }

// ResolveRange returns the chain's own materialized page if present,
// otherwise absent (spec §4.6.2: "will force a fault, which triggers
// prepareRange").
func (m *CowMapping) ResolveRange(offset uintptr) (page.Addr, bool) {
	return m.chain.Resolve(offset)
}

func (m *CowMapping) PrepareRange(offset uintptr) page.Addr {
	return m.chain.Prepare(offset)
}

func (m *CowMapping) Install(table pagetable.Table, overwrite bool) error {
	return install(m, table, overwrite)
}

func (m *CowMapping) Uninstall(table pagetable.Table, clear bool) *pagetable.ShootNode {
	return uninstall(m, table, clear)
}

// CopyOnWrite creates a fresh chain whose parent is the current source (a
// NormalMapping's view, or a CowMapping's own chain), then constructs a
// CowMapping at destAddr backed by the new chain (spec §4.6.3).
func (m *CowMapping) CopyOnWrite(destAddr uintptr) *CowMapping {
	child := m.chain.Fork(m.length, 0)
	return NewCowMapping(destAddr, m.length, child, m.flags, m.forkPolicy)
}
