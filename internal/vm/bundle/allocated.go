package bundle

import (
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/physalloc"
)

// Allocated is the anonymous memory object (spec §3/§4.1.1). Its length is
// divided into power-of-two chunks, each absent until first touched, at
// which point it is allocated from the physical allocator and zero-filled.
// Allocated is resizable upward only.
type Allocated struct {
	mu        sync.Mutex
	alloc     physalloc.Allocator
	accessor  page.Accessor
	chunkSize uintptr
	chunks    []page.Addr // page.Absent until the chunk is populated
	length    uintptr
	sf        singleflight.Group
}

// NewAllocated creates an Allocated bundle of the given length, backed by
// alloc, chunked at chunkSize bytes (must be a page.Size-aligned power of
// two). accessor provides the transient kernel mapping used to zero-fill a
// freshly allocated chunk.
func NewAllocated(alloc physalloc.Allocator, accessor page.Accessor, length, chunkSize uintptr) *Allocated {
	if chunkSize < page.Size || chunkSize&(chunkSize-1) != 0 {
		panic("bundle: chunkSize must be a power-of-two multiple of page.Size")
	}
	length = page.RoundUp(length)
	n := (length + chunkSize - 1) / chunkSize
	chunks := make([]page.Addr, n)
	for i := range chunks {
		chunks[i] = page.Absent
	}
	return &Allocated{
		alloc:     alloc,
		accessor:  accessor,
		chunkSize: chunkSize,
		chunks:    chunks,
		length:    length,
	}
}

func (a *Allocated) Length() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.length
}

// Grow extends the bundle to newLength, which must not be smaller than the
// current length. New chunk slots start absent.
func (a *Allocated) Grow(newLength uintptr) {
	newLength = page.RoundUp(newLength)
	a.mu.Lock()
	defer a.mu.Unlock()
	if newLength <= a.length {
		panic("bundle: Allocated.Grow requires a larger length")
	}
	n := (newLength + a.chunkSize - 1) / a.chunkSize
	for uintptr(len(a.chunks)) < n {
		a.chunks = append(a.chunks, page.Absent)
	}
	a.length = newLength
}

func (a *Allocated) Peek(offset uintptr) (page.Addr, CachingMode) {
	idx := offset / a.chunkSize
	a.mu.Lock()
	base := a.chunks[idx]
	a.mu.Unlock()
	if base == page.Absent {
		return page.Absent, CachingDefault
	}
	return base + page.Addr(offset%a.chunkSize), CachingDefault
}

func (a *Allocated) Fetch(offset uintptr, node *FetchNode) bool {
	if offset >= a.length {
		panic("bundle: Allocated.Fetch out of range")
	}
	idx := offset / a.chunkSize

	a.mu.Lock()
	base := a.chunks[idx]
	a.mu.Unlock()

	if base == page.Absent {
		// Coalesce concurrent first-touches of the same chunk onto a
		// single allocation instead of racing into the mutex repeatedly.
		key := strconv.FormatUint(uint64(idx), 10)
		v, _, _ := a.sf.Do(key, func() (interface{}, error) {
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.chunks[idx] == page.Absent {
				phys, ok := a.alloc.Allocate(a.chunkSize)
				if !ok {
					panic("bundle: physical allocator exhausted")
				}
				zero := a.accessor.Bytes(phys, a.chunkSize)
				for i := range zero {
					zero[i] = 0
				}
				a.chunks[idx] = phys
			}
			return a.chunks[idx], nil
		})
		base = v.(page.Addr)
	}

	disp := offset % a.chunkSize
	node.CompleteFetch(base+page.Addr(disp), a.chunkSize-disp, CachingDefault)
	return true
}

// Close frees every populated chunk, the Allocated destructor behavior of
// spec §3.
func (a *Allocated) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, c := range a.chunks {
		if c != page.Absent {
			a.alloc.Free(c, a.chunkSize)
			a.chunks[i] = page.Absent
		}
	}
}
