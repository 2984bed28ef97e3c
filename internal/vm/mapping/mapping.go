// Package mapping implements the two mapping variants (spec §4.6): a
// half-open virtual range bound to a view or a CoW chain, with the
// install/uninstall/resolve/prepare/share/copy-on-write operations the
// address space drives.
package mapping

import (
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/pagetable"
)

// Flags are the permission bits carried by a mapping. Read is implicit and
// required; Write and Exec are explicit.
type Flags uint32

const (
	FlagWrite Flags = 1 << iota
	FlagExec
)

// ForkPolicy selects how a mapping behaves across fork (spec §4.7.2).
type ForkPolicy int

const (
	// DropAtFork: the child gets a hole of the same range, no mapping.
	DropAtFork ForkPolicy = iota
	// ShareAtFork: shareMapping into the child; parent unchanged.
	ShareAtFork
	// CopyOnWriteAtFork: per the owning address space's ForkMode, either an
	// eager copy into a NormalMapping over a fresh anonymous bundle
	// (ForkEager) or a fresh CowMapping chain in the child (ForkLazy).
	CopyOnWriteAtFork
)

func tableFlags(f Flags) pagetable.Flags {
	var out pagetable.Flags
	if f&FlagWrite != 0 {
		out |= pagetable.FlagWrite
	}
	if f&FlagExec != 0 {
		out |= pagetable.FlagExec
	}
	return out
}

// Mapping is the contract shared by NormalMapping and CowMapping.
type Mapping interface {
	// Address returns the mapping's starting virtual address.
	Address() uintptr
	// Length returns the mapping's length in bytes; always page-aligned
	// and non-zero.
	Length() uintptr
	// MappingFlags returns the permission bits.
	MappingFlags() Flags
	// Fork returns how this mapping behaves across fork.
	Fork() ForkPolicy

	// ResolveRange reports the physical page currently backing the page
	// containing offset, if resident, without faulting anything in.
	ResolveRange(offset uintptr) (page.Addr, bool)
	// PrepareRange ensures the page containing offset is backed, faulting
	// it in if necessary, and returns its physical address.
	PrepareRange(offset uintptr) page.Addr

	// Install walks the mapping's page range and installs every
	// currently resident page into table. If overwrite is false, the
	// page table must be empty at each installed vaddr.
	Install(table pagetable.Table, overwrite bool) error
	// Uninstall removes the mapping's range from table. If clear is true,
	// entries are invalidated and a TLB shootdown is submitted for the
	// range; the returned ShootNode's Done channel closes once every CPU
	// has acknowledged the invalidation. Uninstall(clear=false) returns nil.
	Uninstall(table pagetable.Table, clear bool) *pagetable.ShootNode
}
