// Package copy implements bulk byte-transfer primitives over bundles:
// bundle-to-bundle transfer and transfer between a bundle and a plain byte
// slice. CoW materialization, fork and the foreign address-space accessor
// do their own page copies and do not call into this package.
package copy

import (
	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
)

// Transfer copies length bytes from src[srcOffset:] to dest[destOffset:],
// faulting in pages on both sides as needed via bundle.FetchSync. accessor
// turns the physical addresses FetchSync returns into byte slices.
func Transfer(accessor page.Accessor, dest bundle.Bundle, destOffset uintptr, src bundle.Bundle, srcOffset uintptr, length uintptr) {
	var done uintptr
	for done < length {
		destPhys, destRemaining, _ := bundle.FetchSync(dest, destOffset+done)
		srcPhys, srcRemaining, _ := bundle.FetchSync(src, srcOffset+done)

		chunk := length - done
		if destRemaining < chunk {
			chunk = destRemaining
		}
		if srcRemaining < chunk {
			chunk = srcRemaining
		}

		dstBuf := accessor.Bytes(destPhys, chunk)
		srcBuf := accessor.Bytes(srcPhys, chunk)
		copy(dstBuf, srcBuf)

		done += chunk
	}
}

// ToBundle copies data into dest starting at destOffset, faulting in pages
// as needed.
func ToBundle(accessor page.Accessor, dest bundle.Bundle, destOffset uintptr, data []byte) {
	var done int
	for done < len(data) {
		phys, remaining, _ := bundle.FetchSync(dest, destOffset+uintptr(done))
		chunk := uintptr(len(data) - done)
		if remaining < chunk {
			chunk = remaining
		}
		buf := accessor.Bytes(phys, chunk)
		copy(buf, data[done:uintptr(done)+chunk])
		done += int(chunk)
	}
}

// FromBundle copies len(data) bytes out of src starting at srcOffset into
// data, faulting in pages as needed.
func FromBundle(accessor page.Accessor, src bundle.Bundle, srcOffset uintptr, data []byte) {
	var done int
	for done < len(data) {
		phys, remaining, _ := bundle.FetchSync(src, srcOffset+uintptr(done))
		chunk := uintptr(len(data) - done)
		if remaining < chunk {
			chunk = remaining
		}
		buf := accessor.Bytes(phys, chunk)
		copy(data[done:uintptr(done)+chunk], buf)
		done += int(chunk)
	}
}
