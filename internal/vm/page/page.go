// Package page provides page-granular arithmetic and the transient
// kernel-side mapping of a physical frame used by the virtual memory core.
package page

// Size is the size in bytes of a single page frame.
const Size uintptr = 4096

// Shift is the base-2 exponent of Size.
const Shift uintptr = 12

// Offset masks the in-page offset bits of an address.
const Offset uintptr = Size - 1

// Addr represents a physical address. The all-ones value denotes "absent".
type Addr uintptr

// Absent is the sentinel physical address meaning "no frame".
const Absent Addr = ^Addr(0)

// RoundDown rounds v down to the nearest page boundary.
func RoundDown(v uintptr) uintptr { return v &^ Offset }

// RoundUp rounds v up to the nearest page boundary.
func RoundUp(v uintptr) uintptr { return RoundDown(v+Offset) }

// Aligned reports whether v is page-aligned.
func Aligned(v uintptr) bool { return v&Offset == 0 }

// Count returns the number of pages needed to cover length bytes.
func Count(length uintptr) uintptr { return RoundUp(length) >> Shift }

// Index returns the page index of offset within an object, i.e. offset/Size.
func Index(offset uintptr) uintptr { return offset >> Shift }

// Accessor exposes byte-level access to a physical frame for the duration of
// a bulk-copy or zero-fill operation. Concrete frame storage (the "transient
// kernel mapping") is supplied by internal/vm/physalloc.
type Accessor interface {
	// Bytes returns a slice view of length bytes starting at phys. The
	// slice aliases the underlying physical storage; callers must not
	// retain it past the operation that requested it.
	Bytes(phys Addr, length uintptr) []byte
}
