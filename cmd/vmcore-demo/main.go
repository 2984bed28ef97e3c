// Command vmcore-demo exercises the virtual-memory core end to end: it
// creates an address space, maps an anonymous region, faults a page in,
// forks, and reports what the child observes, against a software page
// table so the whole exercise runs without any real hardware.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/addrspace"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/mapping"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/pagetable"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/physalloc"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/view"
)

func main() {
	arenaSize := flag.Uint64("arena-size", 16*uint64(page.Size), "bytes of physical memory to back the demo arena")
	mapSize := flag.Uint64("map-size", 4*uint64(page.Size), "bytes of the anonymous region to map")
	lazy := flag.Bool("lazy-fork", false, "use ForkLazy (real copy-on-write) instead of ForkEager")
	hardwareTable := flag.Bool("hardware-table", false, "use the packed-PTE Hardware table instead of the map-based Software one")
	flag.Parse()

	log.SetFlags(0)

	if err := run(*arenaSize, *mapSize, *lazy, *hardwareTable); err != nil {
		fmt.Fprintln(os.Stderr, "vmcore-demo:", err)
		os.Exit(1)
	}
}

func run(arenaSize, mapSize uint64, lazy, hardwareTable bool) error {
	arena, err := physalloc.NewArena(uintptr(arenaSize))
	if err != nil {
		return fmt.Errorf("allocate arena: %w", err)
	}
	defer arena.Close()

	var table pagetable.Table = pagetable.NewSoftware()
	if hardwareTable {
		table = pagetable.NewHardware()
	}
	mode := addrspace.ForkEager
	if lazy {
		mode = addrspace.ForkLazy
	}
	as := addrspace.New(0x1000_0000, 0x2000_0000, table, arena, arena, mode)

	obj := bundle.NewAllocated(arena, arena, uintptr(mapSize), page.Size)
	v := view.NewExteriorBundleView(obj, 0, uintptr(mapSize))

	addr, err := as.Map(v, 0, uintptr(mapSize), addrspace.MapOptions{
		Flags:      mapping.FlagWrite,
		ForkPolicy: mapping.CopyOnWriteAtFork,
	})
	if err != nil {
		return fmt.Errorf("map: %w", err)
	}
	log.Printf("mapped %d bytes at %#x (fork mode: %v)", mapSize, addr, mode)

	if err := as.HandleFault(addr, addrspace.FaultWrite); err != nil {
		return fmt.Errorf("handle fault: %w", err)
	}
	log.Printf("faulted in page at %#x", addr)

	var childTable pagetable.Table = pagetable.NewSoftware()
	if hardwareTable {
		childTable = pagetable.NewHardware()
	}
	child, err := as.Fork(childTable)
	if err != nil {
		return fmt.Errorf("fork: %w", err)
	}
	log.Printf("forked child address space, ForkMode=%v", mode)

	fa, err := addrspace.Acquire(child, addr, page.Size)
	if err != nil {
		return fmt.Errorf("acquire in child: %w", err)
	}
	buf := make([]byte, 8)
	fa.Load(0, buf)
	log.Printf("child observes %d leading bytes: %v", len(buf), buf)

	return nil
}
