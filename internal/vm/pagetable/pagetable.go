// Package pagetable declares the architecture-specific page table
// interface the core consumes as an external collaborator (spec §6), plus
// a software reference implementation used by tests and the demo command.
package pagetable

import (
	"sync"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
)

// Flags mirrors the permission/caching bits the core hands to MapSingle4K.
// Read is implicit and required; Write/Exec come from mapping permissions.
type Flags uint32

const (
	FlagWrite Flags = 1 << iota
	FlagExec
	FlagUser
	FlagCOW
)

// CachingMode selects the caching policy applied to a mapping.
type CachingMode int

const (
	CachingDefault CachingMode = iota
	CachingUncached
	CachingWriteCombine
)

// UnmapMode selects how UnmapRange treats the removed entries.
type UnmapMode int

const (
	// ModeNormal simply removes entries; no shootdown is required.
	ModeNormal UnmapMode = iota
	// ModeRemap invalidates entries and schedules a shootdown, per §4.6.
	ModeRemap
)

// ShootNode is the cross-CPU TLB invalidation completion token. Completion
// fires Done exactly once.
type ShootNode struct {
	VAddr  uintptr
	Length uintptr
	Done   chan struct{}
}

// NewShootNode allocates a ShootNode for the given range.
func NewShootNode(vaddr, length uintptr) *ShootNode {
	return &ShootNode{VAddr: vaddr, Length: length, Done: make(chan struct{})}
}

// Table is the external, architecture-specific page table interface (spec
// §6): mapSingle4k, unmapRange, isMapped, submitShootdown, activate.
type Table interface {
	MapSingle4K(vaddr uintptr, phys page.Addr, flags Flags, caching CachingMode) error
	UnmapRange(vaddr uintptr, length uintptr, mode UnmapMode) error
	IsMapped(vaddr uintptr) bool
	SubmitShootdown(node *ShootNode)
	Activate()
}

type entry struct {
	phys    page.Addr
	flags   Flags
	caching CachingMode
}

// Software is a reference Table implementation backed by a plain map,
// sufficient for single-process tests (no real TLB exists to shoot down;
// SubmitShootdown completes immediately on a goroutine, preserving the
// asynchronous-completion contract callers must honor).
type Software struct {
	mu      sync.RWMutex
	entries map[uintptr]entry
}

// NewSoftware creates an empty software page table.
func NewSoftware() *Software {
	return &Software{entries: make(map[uintptr]entry)}
}

func (s *Software) MapSingle4K(vaddr uintptr, phys page.Addr, flags Flags, caching CachingMode) error {
	if !page.Aligned(vaddr) {
		panic("pagetable: unaligned vaddr")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[vaddr] = entry{phys: phys, flags: flags, caching: caching}
	return nil
}

func (s *Software) UnmapRange(vaddr uintptr, length uintptr, mode UnmapMode) error {
	if !page.Aligned(vaddr) || !page.Aligned(length) {
		panic("pagetable: unaligned unmap range")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for off := uintptr(0); off < length; off += page.Size {
		delete(s.entries, vaddr+off)
	}
	return nil
}

func (s *Software) IsMapped(vaddr uintptr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[page.RoundDown(vaddr)]
	return ok
}

func (s *Software) SubmitShootdown(node *ShootNode) {
	go close(node.Done)
}

func (s *Software) Activate() {}

// Lookup returns the entry mapped at vaddr, for tests that want to assert
// on installed permissions/caching without a full Table round trip.
func (s *Software) Lookup(vaddr uintptr) (phys page.Addr, flags Flags, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[page.RoundDown(vaddr)]
	return e.phys, e.flags, ok
}
