package bundle

import "github.com/orizon-lang/orizon-vmcore/internal/vm/page"

// Hardware wraps a fixed physical range with a caching mode (spec §4.1.4).
// It never allocates and its length is immutable; fetchRange always
// succeeds synchronously.
type Hardware struct {
	base    page.Addr
	length  uintptr
	caching CachingMode
}

// NewHardware wraps [base, base+length) with the given caching mode.
func NewHardware(base page.Addr, length uintptr, caching CachingMode) *Hardware {
	if !page.Aligned(uintptr(base)) || !page.Aligned(length) {
		panic("bundle: Hardware requires page-aligned base/length")
	}
	return &Hardware{base: base, length: length, caching: caching}
}

func (h *Hardware) Length() uintptr { return h.length }

func (h *Hardware) Peek(offset uintptr) (page.Addr, CachingMode) {
	if offset >= h.length {
		panic("bundle: Hardware.Peek out of range")
	}
	return h.base + page.Addr(offset), h.caching
}

func (h *Hardware) Fetch(offset uintptr, node *FetchNode) bool {
	if offset >= h.length {
		panic("bundle: Hardware.Fetch out of range")
	}
	node.CompleteFetch(h.base+page.Addr(offset), h.length-offset, h.caching)
	return true
}
