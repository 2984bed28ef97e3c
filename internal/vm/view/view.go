// Package view implements the exterior-view layer (spec §4.2): the
// indirection that lets a mapping or a CoW chain address a sub-range of an
// underlying bundle without knowing its concrete type.
package view

import (
	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/vmerr"
)

// ViewRange is the result of translating a view-relative offset into the
// coordinates of some underlying Bundle.
type ViewRange struct {
	Bundle       bundle.Bundle
	Displacement uintptr
	Size         uintptr
}

// VirtualView is the contract satisfied by anything that can be the source
// of a mapping or the root of a cow.Chain, such as a bare bundle wrapped in
// an ExteriorBundleView.
type VirtualView interface {
	// Length returns the view's addressable length in bytes.
	Length() uintptr
	// TranslateRange maps a view-relative [offset, offset+size) into the
	// coordinates of an underlying Bundle. size may be clamped down to fit
	// within the view; it is never clamped to zero unless offset is already
	// out of range, which is reported as vmerr.ErrBufferTooSmall.
	TranslateRange(offset, size uintptr) (ViewRange, error)
}

// ExteriorBundleView addresses a sub-range [viewOffset, viewOffset+viewSize)
// of an underlying bundle, the simplest possible VirtualView (spec §4.2.1).
type ExteriorBundleView struct {
	bundle     bundle.Bundle
	viewOffset uintptr
	viewSize   uintptr
}

// NewExteriorBundleView wraps [viewOffset, viewOffset+viewSize) of b.
func NewExteriorBundleView(b bundle.Bundle, viewOffset, viewSize uintptr) *ExteriorBundleView {
	if viewOffset+viewSize > b.Length() {
		panic("view: ExteriorBundleView range exceeds underlying bundle length")
	}
	return &ExteriorBundleView{bundle: b, viewOffset: viewOffset, viewSize: viewSize}
}

func (v *ExteriorBundleView) Length() uintptr { return v.viewSize }

func (v *ExteriorBundleView) TranslateRange(offset, size uintptr) (ViewRange, error) {
	if offset >= v.viewSize {
		return ViewRange{}, vmerr.ErrBufferTooSmall(offset, size, v.viewSize)
	}
	remaining := v.viewSize - offset
	if size > remaining {
		size = remaining
	}
	return ViewRange{
		Bundle:       v.bundle,
		Displacement: v.viewOffset + offset,
		Size:         size,
	}, nil
}
