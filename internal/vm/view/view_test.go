package view

import (
	"testing"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
)

func TestExteriorBundleViewTranslateRange(t *testing.T) {
	h := bundle.NewHardware(0x2000, 4*page.Size, bundle.CachingDefault)
	v := NewExteriorBundleView(h, page.Size, 2*page.Size)

	if v.Length() != 2*page.Size {
		t.Fatalf("unexpected length %d", v.Length())
	}

	r, err := v.TranslateRange(0, page.Size)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Displacement != page.Size {
		t.Fatalf("expected displacement %d, got %d", page.Size, r.Displacement)
	}
	if r.Size != page.Size {
		t.Fatalf("expected size %d, got %d", page.Size, r.Size)
	}
	if r.Bundle != bundle.Bundle(h) {
		t.Fatal("expected translated bundle to be the underlying hardware bundle")
	}
}

func TestExteriorBundleViewClampsSize(t *testing.T) {
	h := bundle.NewHardware(0x2000, 4*page.Size, bundle.CachingDefault)
	v := NewExteriorBundleView(h, page.Size, 2*page.Size)

	r, err := v.TranslateRange(page.Size, page.Size*10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Size != page.Size {
		t.Fatalf("expected clamp to remaining %d, got %d", page.Size, r.Size)
	}
}

func TestExteriorBundleViewOutOfRange(t *testing.T) {
	h := bundle.NewHardware(0x2000, 4*page.Size, bundle.CachingDefault)
	v := NewExteriorBundleView(h, page.Size, 2*page.Size)

	if _, err := v.TranslateRange(2*page.Size, page.Size); err == nil {
		t.Fatal("expected error for out-of-range offset")
	}
}

func TestNewExteriorBundleViewPanicsOnOverrun(t *testing.T) {
	h := bundle.NewHardware(0x2000, page.Size, bundle.CachingDefault)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic constructing an out-of-range view")
		}
	}()
	NewExteriorBundleView(h, 0, 2*page.Size)
}
