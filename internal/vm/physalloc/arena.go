// Package physalloc is a concrete reference implementation of the physical
// page allocator that the virtual memory core consumes as an external
// collaborator (spec §1, §6: allocate(size) -> physaddr, free(physaddr,
// size)). The core never imports this package's internals beyond the
// Allocator interface; it exists so the core is buildable and testable
// standalone.
//
// The frame store is backed by a single anonymous mmap region (golang.org/x/sys/unix),
// bump-allocated the way internal/allocator's ArenaAllocatorImpl hands out
// arena space, with a page-granular free list layered on top so that,
// unlike a pure bump arena, individual frees are possible.
package physalloc

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
)

// Allocator is the external physical allocator interface consumed by the
// memory object family.
type Allocator interface {
	Allocate(size uintptr) (page.Addr, bool)
	Free(addr page.Addr, size uintptr)
}

// Arena is a page-granular physical frame allocator backed by one large
// anonymous mapping. Allocations are always power-of-two multiples of
// page.Size (the core's own invariant; Arena does not enforce it beyond
// rounding up to a whole number of pages).
type Arena struct {
	mu       sync.Mutex
	mem      []byte
	free     []uintptr // free page indices, LIFO
	used     map[uintptr]uintptr
	npages   uintptr
	bumpNext uintptr
}

// NewArena creates an arena of the given size (rounded up to a whole number
// of pages) backed by an anonymous mmap region.
func NewArena(size uintptr) (*Arena, error) {
	size = page.RoundUp(size)
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("physalloc: mmap %d bytes: %w", size, err)
	}
	return &Arena{
		mem:    mem,
		used:   make(map[uintptr]uintptr),
		npages: size / page.Size,
	}, nil
}

// Close unmaps the arena's backing memory. It must not be called while any
// allocation is still outstanding.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return unix.Munmap(a.mem)
}

// Allocate reserves size bytes (rounded up to whole pages) and returns the
// base physical address, or false if the arena is exhausted.
func (a *Arena) Allocate(size uintptr) (page.Addr, bool) {
	size = page.RoundUp(size)
	n := size / page.Size

	a.mu.Lock()
	defer a.mu.Unlock()

	// Single-page requests are served from the free list first (LIFO,
	// mirrors the bump-then-freelist shape of pool.go's Pool type).
	if n == 1 && len(a.free) > 0 {
		idx := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		a.used[idx] = 1
		return page.Addr(idx * page.Size), true
	}

	if a.bumpNext+n > a.npages {
		return page.Absent, false
	}
	idx := a.bumpNext
	a.bumpNext += n
	a.used[idx] = n
	return page.Addr(idx * page.Size), true
}

// Free releases size bytes starting at addr back to the arena.
func (a *Arena) Free(addr page.Addr, size uintptr) {
	size = page.RoundUp(size)
	idx := uintptr(addr) / page.Size
	n := size / page.Size

	a.mu.Lock()
	defer a.mu.Unlock()

	got, ok := a.used[idx]
	if !ok || got != n {
		panic("physalloc: free of unallocated or mismatched-size range")
	}
	delete(a.used, idx)
	if n == 1 {
		a.free = append(a.free, idx)
	}
	// Multi-page regions are not reused: they go neither onto the free
	// list nor back to the bump frontier; the core only ever frees whole
	// Allocated chunks (power-of-two, rare relative to page faults), so a
	// free list entry per page would defeat the point of chunking.
}

// Bytes implements page.Accessor over the arena's backing memory.
func (a *Arena) Bytes(phys page.Addr, length uintptr) []byte {
	off := uintptr(phys)
	if off+length > uintptr(len(a.mem)) {
		panic("physalloc: access out of arena bounds")
	}
	return a.mem[off : off+length]
}
