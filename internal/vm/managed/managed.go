// Package managed implements ManagedSpace (spec §4.2): the pageable
// memory object shared between a pager task (through Backing) and user
// mappings (through Frontal). A fault on a page not yet resident enqueues
// an initiate-load request; progressLoads matches it against pager
// capacity submitted ahead of need, fusing consecutive Missing pages into
// one manager round trip rather than issuing one per page, then every
// mapping blocked on the fused range is woken once the pager completes it.
package managed

import (
	"sync"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/physalloc"
)

type pageState int

const (
	stateAbsent pageState = iota
	stateLoading
	stateLoaded
)

type waiter struct {
	offset uintptr
	node   *bundle.FetchNode
}

// LoadRequest is the range a manager request was bound to: an offset the
// pager must materialize, plus the byte count it is expected to supply.
// Length may cover several fused pages (spec §4.2's "fuse as many
// consecutive Missing pages... as possible").
type LoadRequest struct {
	Offset uintptr
	Length uintptr
}

// managerRequest is one unit of pager capacity submitted ahead of need
// (spec's submittedManageQueue): progressLoads binds it to a fused run of
// Missing pages and delivers the result on result.
type managerRequest struct {
	result chan LoadRequest
}

// Space is the shared state behind one Backing/Frontal pair (spec: "Length
// is fixed at creation").
type Space struct {
	mu sync.Mutex

	length  uintptr
	pages   []page.Addr
	state   []pageState
	waiters map[uintptr][]waiter

	// initiateQueue holds, in the order they first blocked a Frontal
	// fetch, the page indices not yet Loaded (spec's initiateLoadQueue,
	// collapsed to index granularity since every Frontal fault is a
	// single-page request per §4.1.3).
	initiateQueue []uintptr
	queued        map[uintptr]bool

	// manageQueue holds pager capacity submitted via NextLoadRequest that
	// has not yet been bound to a fused range (spec's submittedManageQueue).
	manageQueue []*managerRequest
}

// NewSpace creates a ManagedSpace of the given fixed length.
func NewSpace(length uintptr) *Space {
	length = page.RoundUp(length)
	n := length / page.Size
	pages := make([]page.Addr, n)
	for i := range pages {
		pages[i] = page.Absent
	}
	return &Space{
		length:  length,
		pages:   pages,
		state:   make([]pageState, n),
		waiters: make(map[uintptr][]waiter),
		queued:  make(map[uintptr]bool),
	}
}

func (s *Space) Length() uintptr { return s.length }

func (s *Space) peek(offset uintptr) page.Addr {
	idx := offset / page.Size
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[idx]
}

// fetch is Frontal's fault path (spec §4.1.3). If the page is already
// Loaded, it completes synchronously; otherwise it registers the waiter,
// enqueues the page on initiateLoadQueue the first time anyone faults on
// it, runs progressLoads, and returns false.
func (s *Space) fetch(offset uintptr, node *bundle.FetchNode) bool {
	idx := offset / page.Size

	s.mu.Lock()
	if s.state[idx] == stateLoaded {
		phys := s.pages[idx]
		s.mu.Unlock()
		node.CompleteFetch(phys, page.Size-(offset%page.Size), bundle.CachingDefault)
		return true
	}

	s.waiters[idx] = append(s.waiters[idx], waiter{offset: offset, node: node})
	if !s.queued[idx] {
		s.queued[idx] = true
		s.initiateQueue = append(s.initiateQueue, idx)
	}
	s.progressLoads()
	s.mu.Unlock()
	return false
}

// progressLoads matches the front of initiateQueue against waiting manager
// requests (spec §4.2). A Missing page with no manager request waiting
// stops progress entirely, mirroring the source's "cannot progress"; once
// a request is available, progressLoads fuses every contiguous Missing
// page that some fetch has actually queued into a single LoadRequest,
// rather than dispatching one manager round trip per page. Must be called
// with s.mu held.
func (s *Space) progressLoads() {
	for len(s.initiateQueue) > 0 {
		idx := s.initiateQueue[0]
		switch s.state[idx] {
		case stateLoaded, stateLoading:
			s.popInitiate(idx)
		default: // stateAbsent
			if len(s.manageQueue) == 0 {
				return
			}
			req := s.manageQueue[0]
			s.manageQueue = s.manageQueue[1:]

			start := idx
			count := uintptr(0)
			for start+count < uintptr(len(s.state)) &&
				s.state[start+count] == stateAbsent &&
				s.queued[start+count] {
				s.state[start+count] = stateLoading
				s.popInitiate(start + count)
				count++
			}
			req.result <- LoadRequest{Offset: start * page.Size, Length: count * page.Size}
		}
	}
}

// popInitiate removes idx from initiateQueue, if present.
func (s *Space) popInitiate(idx uintptr) {
	delete(s.queued, idx)
	for i, v := range s.initiateQueue {
		if v == idx {
			s.initiateQueue = append(s.initiateQueue[:i], s.initiateQueue[i+1:]...)
			return
		}
	}
}

// NextLoadRequest submits one unit of pager capacity and blocks until
// progressLoads binds it to a fused range of Missing pages, for the pager
// task's consumption loop.
func (s *Space) NextLoadRequest() LoadRequest {
	req := &managerRequest{result: make(chan LoadRequest, 1)}

	s.mu.Lock()
	s.manageQueue = append(s.manageQueue, req)
	s.progressLoads()
	s.mu.Unlock()

	return <-req.result
}

// CompleteLoad publishes phys as the base physical address for the fused
// [offset, offset+length) range (spec §4.2's completeLoad), flipping every
// covered page from Loading to Loaded and waking every Fetch call blocked
// on any of them.
func (s *Space) CompleteLoad(offset, length uintptr, phys page.Addr) {
	startIdx := offset / page.Size
	n := length / page.Size

	type delivery struct {
		w    waiter
		phys page.Addr
	}
	var fired []delivery

	s.mu.Lock()
	for i := uintptr(0); i < n; i++ {
		idx := startIdx + i
		if s.state[idx] != stateLoading {
			s.mu.Unlock()
			panic("managed: CompleteLoad: page not in Loading state")
		}
		pagePhys := phys + page.Addr(i*page.Size)
		s.pages[idx] = pagePhys
		s.state[idx] = stateLoaded
		for _, w := range s.waiters[idx] {
			fired = append(fired, delivery{w: w, phys: pagePhys})
		}
		delete(s.waiters, idx)
	}
	s.mu.Unlock()

	for _, d := range fired {
		disp := d.w.offset % page.Size
		d.w.node.CompleteFetch(d.phys+page.Addr(disp), page.Size-disp, bundle.CachingDefault)
		d.w.node.Worklet.Fire()
	}
}

// fetchBackingPage allocates and zeros the page containing offset on first
// touch and records it directly in pages (spec §4.1.2: Backing's fetch
// never touches state; state transitions belong exclusively to Frontal's
// pipeline above).
func (s *Space) fetchBackingPage(offset uintptr, alloc physalloc.Allocator, accessor page.Accessor) (page.Addr, uintptr) {
	idx := page.RoundDown(offset) / page.Size
	disp := offset % page.Size

	s.mu.Lock()
	defer s.mu.Unlock()

	phys := s.pages[idx]
	if phys == page.Absent {
		var ok bool
		phys, ok = alloc.Allocate(page.Size)
		if !ok {
			panic("managed: Backing.Fetch: physical allocator exhausted")
		}
		buf := accessor.Bytes(phys, page.Size)
		for i := range buf {
			buf[i] = 0
		}
		s.pages[idx] = phys
	}
	return phys, disp
}

// Invalidate forces every page in [offset, offset+length) back to absent,
// so the next Fetch re-requests it from the pager. This supports pagers
// that watch an external source (e.g. a file-backed pager reacting to a
// filesystem change notification) and must invalidate stale content rather
// than waiting for process exit.
func (s *Space) Invalidate(offset, length uintptr) {
	start := page.RoundDown(offset)
	end := page.RoundUp(offset + length)

	s.mu.Lock()
	defer s.mu.Unlock()
	for o := start; o < end; o += page.Size {
		idx := o / page.Size
		if idx >= uintptr(len(s.pages)) {
			break
		}
		s.pages[idx] = page.Absent
		s.state[idx] = stateAbsent
	}
}
