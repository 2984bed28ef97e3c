// Package cow implements copy-on-write chains (spec §4.3): a linked sequence
// of views created by fork, where each link materializes pages on first
// write instead of eagerly duplicating the whole range.
package cow

import (
	"sync"

	"github.com/orizon-lang/orizon-vmcore/internal/runtime/concurrency"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/physalloc"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/view"
)

func hashUintptr(k uintptr) uint64 { return uint64(k) }

// Chain is one link of a copy-on-write chain. A Chain's own pages live in
// copyStore; pages it has not yet materialized are resolved by walking to
// parentChain (or, for the oldest link, parentView) translated by
// superOffset.
type Chain struct {
	mu sync.Mutex

	length uintptr

	// Exactly one of parentChain/parentView is non-nil.
	parentChain *Chain
	parentView  view.VirtualView
	superOffset uintptr

	alloc    physalloc.Allocator
	accessor page.Accessor

	copyStore *bundle.Allocated
	pages     *concurrency.LockFreeMap[uintptr, page.Addr]
}

// NewRoot creates the first link of a chain, rooted directly on a
// VirtualView (no ancestor Chain).
func NewRoot(alloc physalloc.Allocator, accessor page.Accessor, parent view.VirtualView, length uintptr) *Chain {
	return &Chain{
		length:    length,
		parentView: parent,
		alloc:     alloc,
		accessor:  accessor,
		copyStore: bundle.NewAllocated(alloc, accessor, length, page.Size),
		pages:     concurrency.NewLockFreeMap[uintptr, page.Addr](64, hashUintptr),
	}
}

// Fork creates a new child link sharing c's ancestry, offset by
// superOffset within c's address range (0 for an exact-size fork). The
// child starts with no materialized pages of its own.
func (c *Chain) Fork(length, superOffset uintptr) *Chain {
	return &Chain{
		length:      length,
		parentChain: c,
		superOffset: superOffset,
		alloc:       c.alloc,
		accessor:    c.accessor,
		copyStore:   bundle.NewAllocated(c.alloc, c.accessor, length, page.Size),
		pages:       concurrency.NewLockFreeMap[uintptr, page.Addr](64, hashUintptr),
	}
}

func (c *Chain) Length() uintptr { return c.length }

// Resolve returns the physical page backing offset if this link has already
// materialized it, without walking ancestors and without allocating.
func (c *Chain) Resolve(offset uintptr) (page.Addr, bool) {
	idx := page.RoundDown(offset)
	return c.pages.Load(idx)
}

// Prepare materializes the page containing offset into this link's own
// copyStore if it is not already there, copying from the nearest ancestor
// that has it (or the root view). It returns the page's physical address.
func (c *Chain) Prepare(offset uintptr) page.Addr {
	idx := page.RoundDown(offset)
	if phys, ok := c.pages.Load(idx); ok {
		return phys
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if phys, ok := c.pages.Load(idx); ok {
		return phys
	}

	destPhys, _, _ := bundle.FetchSync(c.copyStore, idx)
	c.materialize(idx, destPhys)
	c.pages.Store(idx, destPhys)
	return destPhys
}

// materialize copies the page at local offset idx (in c's own coordinate
// space) from the nearest ancestor that has it into destPhys.
func (c *Chain) materialize(idx uintptr, destPhys page.Addr) {
	cur := c
	local := idx
	for {
		if cur.parentChain == nil {
			// Terminal: cur's parent is a root VirtualView.
			r, err := cur.parentView.TranslateRange(local, page.Size)
			if err != nil {
				panic("cow: materialize against root view: " + err.Error())
			}
			srcPhys, _, _ := bundle.FetchSync(r.Bundle, r.Displacement)
			buf := c.accessor.Bytes(srcPhys, page.Size)
			dst := c.accessor.Bytes(destPhys, page.Size)
			copy(dst, buf)
			return
		}

		parentLocal := local + cur.superOffset
		if phys, ok := cur.parentChain.pages.Load(page.RoundDown(parentLocal)); ok {
			buf := c.accessor.Bytes(phys, page.Size)
			dst := c.accessor.Bytes(destPhys, page.Size)
			copy(dst, buf)
			return
		}

		cur = cur.parentChain
		local = parentLocal
	}
}
