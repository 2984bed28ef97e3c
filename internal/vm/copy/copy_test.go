package copy

import (
	"bytes"
	"testing"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/physalloc"
)

func newArena(t *testing.T, pages uintptr) *physalloc.Arena {
	t.Helper()
	a, err := physalloc.NewArena(pages * page.Size)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestTransferCopiesAcrossChunkBoundaries(t *testing.T) {
	arena := newArena(t, 8)
	src := bundle.NewAllocated(arena, arena, 4*page.Size, page.Size)
	dest := bundle.NewAllocated(arena, arena, 4*page.Size, page.Size)

	srcPhys0, _, _ := bundle.FetchSync(src, 0)
	arena.Bytes(srcPhys0, page.Size)[0] = 0xAB
	srcPhys1, _, _ := bundle.FetchSync(src, page.Size)
	arena.Bytes(srcPhys1, page.Size)[0] = 0xCD

	Transfer(arena, dest, 0, src, 0, 2*page.Size)

	destPhys0, _, _ := bundle.FetchSync(dest, 0)
	if got := arena.Bytes(destPhys0, 1)[0]; got != 0xAB {
		t.Fatalf("expected 0xAB, got %#x", got)
	}
	destPhys1, _, _ := bundle.FetchSync(dest, page.Size)
	if got := arena.Bytes(destPhys1, 1)[0]; got != 0xCD {
		t.Fatalf("expected 0xCD, got %#x", got)
	}
}

func TestToBundleAndFromBundleRoundTrip(t *testing.T) {
	arena := newArena(t, 4)
	b := bundle.NewAllocated(arena, arena, 2*page.Size, page.Size)

	want := bytes.Repeat([]byte{0x42}, int(page.Size)+16)
	ToBundle(arena, b, 8, want)

	got := make([]byte, len(want))
	FromBundle(arena, b, 8, got)
	if !bytes.Equal(got, want) {
		t.Fatal("round trip through bundle did not preserve data")
	}
}
