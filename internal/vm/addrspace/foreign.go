package addrspace

import (
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/vmerr"
)

// ForeignAccessor reads and writes a range of another address space's
// memory without installing anything into the caller's own page table
// (spec §4.9): acquire locates and prepares the span once, then load/write
// walk it a page at a time through a transient kernel mapping.
type ForeignAccessor struct {
	space    *AddressSpace
	addr     uintptr
	length   uintptr
	acquired bool
}

// Acquire locates the mapping(s) covering [addr, addr+length) in space and
// faults in every page of the span, failing if any part of the span has no
// covering mapping.
func Acquire(space *AddressSpace, addr, length uintptr) (*ForeignAccessor, error) {
	space.mu.Lock()
	defer space.mu.Unlock()

	for off := uintptr(0); off < length; {
		m, ok := space.findMapping(addr + off)
		if !ok {
			return nil, ErrNoMapping
		}
		pageOff := page.RoundDown(addr+off) - m.Address()
		m.PrepareRange(pageOff)
		// Advance to the start of the next page or the end of the requested
		// span, whichever is nearer.
		covered := page.RoundDown(addr+off) + page.Size - (addr + off)
		if covered > length-off {
			covered = length - off
		}
		off += covered
	}

	return &ForeignAccessor{space: space, addr: addr, length: length, acquired: true}, nil
}

// Load copies len(dst) bytes starting at offset within the acquired span
// into dst. The caller contract is that Acquire already succeeded, so
// every page is assumed present; an absent page is a programming error.
func (f *ForeignAccessor) Load(offset uintptr, dst []byte) {
	if !f.acquired {
		panic("addrspace: Load on an unacquired ForeignAccessor")
	}
	f.walk(offset, dst, func(buf, slice []byte) { copy(slice, buf) })
}

// Write copies src into the acquired span starting at offset. It returns a
// vmerr.Error (Fault) instead of panicking if any touched page resolves to
// absent, since a foreign write can race a concurrent unmap.
func (f *ForeignAccessor) Write(offset uintptr, src []byte) error {
	if !f.acquired {
		panic("addrspace: Write on an unacquired ForeignAccessor")
	}
	var faultAddr uintptr
	faulted := false
	f.walkGuarded(offset, src, func(buf, slice []byte) { copy(buf, slice) }, func(vaddr uintptr) {
		faultAddr = vaddr
		faulted = true
	})
	if faulted {
		return vmerr.ErrFault(faultAddr)
	}
	return nil
}

func (f *ForeignAccessor) walk(offset uintptr, data []byte, apply func(buf, slice []byte)) {
	f.walkGuarded(offset, data, apply, func(vaddr uintptr) {
		panic("addrspace: Load found an absent page after Acquire succeeded")
	})
}

func (f *ForeignAccessor) walkGuarded(offset uintptr, data []byte, apply func(buf, slice []byte), onAbsent func(vaddr uintptr)) {
	f.space.mu.Lock()
	defer f.space.mu.Unlock()

	vaddr := f.addr + offset
	var done int
	for done < len(data) {
		m, ok := f.space.findMapping(vaddr)
		if !ok {
			onAbsent(vaddr)
			return
		}
		pageOff := page.RoundDown(vaddr) - m.Address()
		phys, ok := m.ResolveRange(pageOff)
		if !ok {
			onAbsent(vaddr)
			return
		}

		disp := vaddr % page.Size
		chunk := page.Size - disp
		if remaining := uintptr(len(data) - done); chunk > remaining {
			chunk = remaining
		}

		buf := f.space.accessor.Bytes(phys, chunk)
		apply(buf, data[done:done+int(chunk)])

		done += int(chunk)
		vaddr += chunk
	}
}
