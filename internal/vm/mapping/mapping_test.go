package mapping

import (
	"testing"
	"time"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/pagetable"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/physalloc"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/view"
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

func TestNormalMappingInstallResolvesResidentPages(t *testing.T) {
	arena := newArena(t, 4)
	obj := bundle.NewAllocated(arena, arena, 2*page.Size, page.Size)
	v := view.NewExteriorBundleView(obj, 0, 2*page.Size)
	m := NewNormalMapping(0x4000_0000, 2*page.Size, v, 0, FlagWrite, DropAtFork)

	m.PrepareRange(0) // fault in the first page only

	table := pagetable.NewSoftware()
	if err := m.Install(table, false); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if !table.IsMapped(0x4000_0000) {
		t.Fatal("expected first page installed")
	}
	if table.IsMapped(0x4000_0000 + page.Size) {
		t.Fatal("second page was never resident, should not be installed")
	}
	_, flags, _ := table.Lookup(0x4000_0000)
	if flags&pagetable.FlagWrite == 0 {
		t.Fatal("expected write permission to propagate")
	}
}

func TestNormalMappingInstallAssertsEmptyWithoutOverwrite(t *testing.T) {
	arena := newArena(t, 4)
	obj := bundle.NewAllocated(arena, arena, page.Size, page.Size)
	v := view.NewExteriorBundleView(obj, 0, page.Size)
	m := NewNormalMapping(0x5000_0000, page.Size, v, 0, 0, DropAtFork)
	m.PrepareRange(0)

	table := pagetable.NewSoftware()
	if err := m.Install(table, false); err != nil {
		t.Fatalf("Install: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic re-installing without overwrite")
		}
	}()
	m.Install(table, false)
}

func TestNormalMappingShareMapping(t *testing.T) {
	arena := newArena(t, 4)
	obj := bundle.NewAllocated(arena, arena, page.Size, page.Size)
	v := view.NewExteriorBundleView(obj, 0, page.Size)
	m := NewNormalMapping(0x1000, page.Size, v, 0, FlagWrite, ShareAtFork)

	shared := m.ShareMapping(0x9000)
	if shared.Address() != 0x9000 {
		t.Fatalf("unexpected address %#x", shared.Address())
	}
	m.PrepareRange(0)
	if _, ok := shared.ResolveRange(0); !ok {
		t.Fatal("expected shared mapping to see the same underlying page")
	}
}

func TestNormalMappingCopyOnWriteIsolatesWrites(t *testing.T) {
	arena := newArena(t, 4)
	obj := bundle.NewAllocated(arena, arena, page.Size, page.Size)
	v := view.NewExteriorBundleView(obj, 0, page.Size)
	m := NewNormalMapping(0x1000, page.Size, v, 0, FlagWrite, CopyOnWriteAtFork)

	phys := m.PrepareRange(0)
	arena.Bytes(phys, 1)[0] = 0x11

	child := m.CopyOnWrite(0x2000, arena, arena)
	childPhys := child.PrepareRange(0)
	if got := arena.Bytes(childPhys, 1)[0]; got != 0x11 {
		t.Fatalf("expected inherited byte 0x11, got %#x", got)
	}

	arena.Bytes(childPhys, 1)[0] = 0x22
	if got := arena.Bytes(phys, 1)[0]; got != 0x11 {
		t.Fatalf("parent page must be unaffected by child CoW write, got %#x", got)
	}
}

func TestCowMappingUninstallSchedulesShootdown(t *testing.T) {
	arena := newArena(t, 4)
	obj := bundle.NewAllocated(arena, arena, page.Size, page.Size)
	v := view.NewExteriorBundleView(obj, 0, page.Size)
	m := NewNormalMapping(0x3000, page.Size, v, 0, FlagWrite, CopyOnWriteAtFork)
	m.PrepareRange(0)

	child := m.CopyOnWrite(0x4000, arena, arena)
	table := pagetable.NewSoftware()
	child.PrepareRange(0)
	if err := child.Install(table, false); err != nil {
		t.Fatalf("Install: %v", err)
	}
	node := child.Uninstall(table, true)
	if table.IsMapped(0x4000) {
		t.Fatal("expected uninstall(true) to remove the page table entry")
	}
	if node == nil {
		t.Fatal("expected uninstall(clear=true) to return a shootdown node")
	}
	select {
	case <-node.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shootdown completion")
	}
}
