package managed

import (
	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/physalloc"
)

// Backing is the pager-facing view onto a Space (spec: "Backing is used by
// the pager task to supply pages"). A pager task loop calls NextLoadRequest
// to learn what to fetch and CompleteLoad to publish the result; Fetch
// offers an independent allocate-and-zero path that never touches the
// Loading/Loaded state machine driven by Frontal.
type Backing struct {
	space    *Space
	alloc    physalloc.Allocator
	accessor page.Accessor
}

// NewBacking wraps space for pager-side use. alloc and accessor back
// Fetch's allocate-and-zero path (spec §4.1.2).
func NewBacking(space *Space, alloc physalloc.Allocator, accessor page.Accessor) *Backing {
	return &Backing{space: space, alloc: alloc, accessor: accessor}
}

func (b *Backing) Length() uintptr { return b.space.Length() }

// Peek reports a page's current residency without affecting state (spec
// §4.1.2: Backing never drives the Loading/Loaded state machine itself).
func (b *Backing) Peek(offset uintptr) (page.Addr, bundle.CachingMode) {
	return b.space.peek(offset), bundle.CachingDefault
}

// Fetch materializes the page at offset: on first touch it allocates a
// fresh physical frame, zeros it, and records it directly in Space.pages,
// bypassing the Loading/Loaded state machine entirely (spec §4.1.2:
// Backing's fetchRange "never touches state"). It always succeeds.
func (b *Backing) Fetch(offset uintptr, node *bundle.FetchNode) bool {
	phys, disp := b.space.fetchBackingPage(offset, b.alloc, b.accessor)
	node.CompleteFetch(phys+page.Addr(disp), page.Size-disp, bundle.CachingDefault)
	return true
}

// NextLoadRequest blocks until the Frontal side has faulted on a page not
// yet resident.
func (b *Backing) NextLoadRequest() LoadRequest { return b.space.NextLoadRequest() }

// CompleteLoad publishes phys as the base physical address for the fused
// [offset, offset+length) range, waking every mapping blocked on any page
// it covers.
func (b *Backing) CompleteLoad(offset, length uintptr, phys page.Addr) {
	b.space.CompleteLoad(offset, length, phys)
}

// Invalidate forces [offset, offset+length) back to absent.
func (b *Backing) Invalidate(offset, length uintptr) { b.space.Invalidate(offset, length) }
