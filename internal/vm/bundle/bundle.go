// Package bundle implements the memory-object family (spec §3/§4.1): the
// common peek/fetch contract and the two self-contained variants, Hardware
// and Allocated. The pageable Backing/Frontal variants live in
// internal/vm/managed, which depends on this package for the shared
// contract types.
package bundle

import (
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/worklet"
)

// CachingMode describes how a range of physical memory should be mapped.
type CachingMode int

const (
	CachingDefault CachingMode = iota
	CachingUncached
	CachingWriteCombine
)

// FetchNode carries the result of an asynchronous fetchRange back to the
// caller, either synchronously (Fetch returns true) or via Worklet.Fire
// (Fetch returns false).
type FetchNode struct {
	Phys      page.Addr
	Remaining uintptr
	Caching   CachingMode
	Worklet   *worklet.Worklet
}

// CompleteFetch fills in a FetchNode's result fields. Bundles call this
// directly when completing synchronously; asynchronous completions call it
// before firing node.Worklet.
func (n *FetchNode) CompleteFetch(phys page.Addr, remaining uintptr, caching CachingMode) {
	n.Phys = phys
	n.Remaining = remaining
	n.Caching = caching
}

// Bundle is the memory object contract shared by all four variants (spec
// §4.1).
type Bundle interface {
	// Length returns the total addressable length in bytes.
	Length() uintptr
	// Peek is a synchronous, non-allocating lookup: it never faults
	// anything in and returns page.Absent if the page backing offset is
	// not currently resident.
	Peek(offset uintptr) (page.Addr, CachingMode)
	// Fetch initiates materialization of the page containing offset. If
	// the page is already resident, it returns true after calling
	// node.CompleteFetch. Otherwise it returns false and arranges for
	// node.Worklet to fire once the page is ready.
	Fetch(offset uintptr, node *FetchNode) bool
}

// FetchSync blocks the calling goroutine until b's fetch at offset
// completes, regardless of whether it completed synchronously or via a
// Worklet. This is the core's chosen realization of spec §9's "task/channel
// model" continuation strategy: every suspension point blocks a goroutine
// on a channel rather than threading an explicit state machine through the
// caller.
func FetchSync(b Bundle, offset uintptr) (page.Addr, uintptr, CachingMode) {
	node := &FetchNode{}
	done := make(chan struct{})
	node.Worklet = worklet.New(func() { close(done) })
	if b.Fetch(offset, node) {
		return node.Phys, node.Remaining, node.Caching
	}
	<-done
	return node.Phys, node.Remaining, node.Caching
}
