package filepager

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/managed"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/physalloc"
)

func TestPagerServesFileContent(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/data.bin"
	content := make([]byte, page.Size)
	content[0] = 0x42
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	space := managed.NewSpace(page.Size)

	arena, err := physalloc.NewArena(4 * page.Size)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer arena.Close()

	backing := managed.NewBacking(space, arena, arena)
	frontal := managed.NewFrontal(space)

	pager, err := New(path, backing, arena, arena)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pager.serveLoads(ctx)

	phys, _, _ := bundle.FetchSync(frontal, 0)
	if got := arena.Bytes(phys, 1)[0]; got != 0x42 {
		t.Fatalf("expected byte 0x42 from file, got %#x", got)
	}
}

func TestPagerInvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/data.bin"
	if err := os.WriteFile(path, make([]byte, page.Size), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	space := managed.NewSpace(page.Size)

	arena, err := physalloc.NewArena(4 * page.Size)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer arena.Close()

	backing := managed.NewBacking(space, arena, arena)
	frontal := managed.NewFrontal(space)

	pager, err := New(path, backing, arena, arena)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pager.serveLoads(ctx)
	go pager.watchChanges(ctx)

	bundle.FetchSync(frontal, 0)
	if p, _ := backing.Peek(0); p == page.Absent {
		t.Fatal("expected page to be resident after initial fetch")
	}

	if err := os.WriteFile(path, []byte{0xFF}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, _ := backing.Peek(0); p == page.Absent {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected Invalidate to reset page residency after external write")
}
