package addrspace

import (
	"testing"
	"time"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/mapping"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/pagetable"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/physalloc"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/view"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/vmerr"
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

func TestMapUnmapRoundTrip(t *testing.T) {
	arena := newArena(t, 8)
	table := pagetable.NewSoftware()
	as := New(0x1000_0000, 0x2000_0000, table, arena, arena, ForkEager)

	obj := bundle.NewAllocated(arena, arena, 4*page.Size, page.Size)
	v := view.NewExteriorBundleView(obj, 0, 4*page.Size)

	addr, err := as.Map(v, 0, 4*page.Size, MapOptions{Flags: mapping.FlagWrite, ForkPolicy: mapping.DropAtFork})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if addr < 0x1000_0000 || addr >= 0x2000_0000 {
		t.Fatalf("address %#x out of range", addr)
	}

	if err := as.HandleFault(addr, FaultWrite); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if !table.IsMapped(addr) {
		t.Fatal("expected fault to install a page table entry")
	}

	if err := as.Unmap(addr, 4*page.Size); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if table.IsMapped(addr) {
		t.Fatal("expected unmap to remove the page table entry")
	}
	if as.holes.LargestHole() != 0x1000_0000 {
		t.Fatalf("expected full range reclaimed, largest hole = %#x", as.holes.LargestHole())
	}
}

// delayedShootdownTable wraps Software but holds SubmitShootdown open until
// release is closed, so tests can observe that Unmap actually waits for
// shootdown completion before reclaiming the hole.
type delayedShootdownTable struct {
	*pagetable.Software
	release chan struct{}
}

func (t *delayedShootdownTable) SubmitShootdown(node *pagetable.ShootNode) {
	go func() {
		<-t.release
		close(node.Done)
	}()
}

func TestUnmapBlocksHoleReleaseUntilShootdownCompletes(t *testing.T) {
	arena := newArena(t, 4)
	table := &delayedShootdownTable{Software: pagetable.NewSoftware(), release: make(chan struct{})}
	as := New(0x1000_0000, 0x2000_0000, table, arena, arena, ForkEager)

	obj := bundle.NewAllocated(arena, arena, page.Size, page.Size)
	v := view.NewExteriorBundleView(obj, 0, page.Size)
	addr, err := as.Map(v, 0, page.Size, MapOptions{ForkPolicy: mapping.DropAtFork})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	unmapDone := make(chan error, 1)
	go func() { unmapDone <- as.Unmap(addr, page.Size) }()

	select {
	case <-unmapDone:
		t.Fatal("Unmap returned before shootdown completed")
	case <-time.After(50 * time.Millisecond):
	}
	if as.holes.LargestHole() != 0x1000_0000-page.Size {
		t.Fatal("expected hole to remain unreleased while shootdown is pending")
	}

	close(table.release)

	select {
	case err := <-unmapDone:
		if err != nil {
			t.Fatalf("Unmap: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Unmap to complete")
	}
	if as.holes.LargestHole() != 0x1000_0000 {
		t.Fatalf("expected full range reclaimed after shootdown, largest hole = %#x", as.holes.LargestHole())
	}
}

func TestUnmapRejectsPartialRange(t *testing.T) {
	arena := newArena(t, 8)
	table := pagetable.NewSoftware()
	as := New(0x1000_0000, 0x2000_0000, table, arena, arena, ForkEager)

	obj := bundle.NewAllocated(arena, arena, 4*page.Size, page.Size)
	v := view.NewExteriorBundleView(obj, 0, 4*page.Size)
	addr, err := as.Map(v, 0, 4*page.Size, MapOptions{ForkPolicy: mapping.DropAtFork})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := as.Unmap(addr, 2*page.Size); err != ErrPartialUnmap {
		t.Fatalf("expected ErrPartialUnmap, got %v", err)
	}
}

func TestForkEagerCopyIsolatesParentAndChild(t *testing.T) {
	arena := newArena(t, 16)
	parentTable := pagetable.NewSoftware()
	as := New(0x1000_0000, 0x2000_0000, parentTable, arena, arena, ForkEager)

	obj := bundle.NewAllocated(arena, arena, page.Size, page.Size)
	v := view.NewExteriorBundleView(obj, 0, page.Size)
	addr, err := as.Map(v, 0, page.Size, MapOptions{Flags: mapping.FlagWrite, ForkPolicy: mapping.CopyOnWriteAtFork})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.HandleFault(addr, FaultWrite); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	phys, flags, _ := parentTable.Lookup(addr)
	_ = flags
	arena.Bytes(phys, 1)[0] = 0xAB

	childTable := pagetable.NewSoftware()
	child, err := as.Fork(childTable)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	childPhys, _, ok := childTable.Lookup(addr)
	if !ok {
		t.Fatal("expected eager fork to install the copied page immediately")
	}
	if got := arena.Bytes(childPhys, 1)[0]; got != 0xAB {
		t.Fatalf("expected copied byte 0xAB, got %#x", got)
	}

	arena.Bytes(childPhys, 1)[0] = 0xCD
	if got := arena.Bytes(phys, 1)[0]; got != 0xAB {
		t.Fatalf("expected parent page unaffected by child write, got %#x", got)
	}
	_ = child
}

func TestForkShareAtForkSeesLiveWrites(t *testing.T) {
	arena := newArena(t, 8)
	parentTable := pagetable.NewSoftware()
	as := New(0x1000_0000, 0x2000_0000, parentTable, arena, arena, ForkEager)

	obj := bundle.NewAllocated(arena, arena, page.Size, page.Size)
	v := view.NewExteriorBundleView(obj, 0, page.Size)
	addr, err := as.Map(v, 0, page.Size, MapOptions{Flags: mapping.FlagWrite, ForkPolicy: mapping.ShareAtFork, Populate: true})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	childTable := pagetable.NewSoftware()
	_, err = as.Fork(childTable)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if !childTable.IsMapped(addr) {
		t.Fatal("expected shared mapping installed in child")
	}

	parentPhys, _, _ := parentTable.Lookup(addr)
	arena.Bytes(parentPhys, 1)[0] = 0x11
	childPhys, _, _ := childTable.Lookup(addr)
	if got := arena.Bytes(childPhys, 1)[0]; got != 0x11 {
		t.Fatalf("expected shared mapping to see the same physical page, got %#x", got)
	}
}

func TestForeignAccessorLoadAndWrite(t *testing.T) {
	arena := newArena(t, 8)
	table := pagetable.NewSoftware()
	as := New(0x1000_0000, 0x2000_0000, table, arena, arena, ForkEager)

	obj := bundle.NewAllocated(arena, arena, 2*page.Size, page.Size)
	v := view.NewExteriorBundleView(obj, 0, 2*page.Size)
	addr, err := as.Map(v, 0, 2*page.Size, MapOptions{Flags: mapping.FlagWrite, ForkPolicy: mapping.DropAtFork, Populate: true})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	fa, err := Acquire(as, addr, 2*page.Size)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	payload := []byte("hello, foreign address space")
	if err := fa.Write(4, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := make([]byte, len(payload))
	fa.Load(4, out)
	if string(out) != string(payload) {
		t.Fatalf("round trip mismatch: got %q", out)
	}
}

func TestHandleFaultRejectsWriteAgainstReadOnlyMapping(t *testing.T) {
	arena := newArena(t, 4)
	table := pagetable.NewSoftware()
	as := New(0x1000_0000, 0x2000_0000, table, arena, arena, ForkEager)

	obj := bundle.NewAllocated(arena, arena, page.Size, page.Size)
	v := view.NewExteriorBundleView(obj, 0, page.Size)
	addr, err := as.Map(v, 0, page.Size, MapOptions{ForkPolicy: mapping.DropAtFork})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	err = as.HandleFault(addr, FaultWrite)
	verr, ok := err.(*vmerr.Error)
	if !ok || verr.Code != vmerr.Fault {
		t.Fatalf("expected a vmerr.Fault for a write against a read-only mapping, got %v", err)
	}
	if table.IsMapped(addr) {
		t.Fatal("expected a rejected fault to install nothing")
	}
}

func TestHandleFaultRejectsExecAgainstNonExecutableMapping(t *testing.T) {
	arena := newArena(t, 4)
	table := pagetable.NewSoftware()
	as := New(0x1000_0000, 0x2000_0000, table, arena, arena, ForkEager)

	obj := bundle.NewAllocated(arena, arena, page.Size, page.Size)
	v := view.NewExteriorBundleView(obj, 0, page.Size)
	addr, err := as.Map(v, 0, page.Size, MapOptions{Flags: mapping.FlagWrite, ForkPolicy: mapping.DropAtFork})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	err = as.HandleFault(addr, FaultExec)
	verr, ok := err.(*vmerr.Error)
	if !ok || verr.Code != vmerr.Fault {
		t.Fatalf("expected a vmerr.Fault for an exec fault against a non-executable mapping, got %v", err)
	}
}

func TestAcquireFailsOutsideMappedRange(t *testing.T) {
	arena := newArena(t, 4)
	table := pagetable.NewSoftware()
	as := New(0x1000_0000, 0x2000_0000, table, arena, arena, ForkEager)

	if _, err := Acquire(as, 0x1000_0000, page.Size); err != ErrNoMapping {
		t.Fatalf("expected ErrNoMapping, got %v", err)
	}
}
