// Package filepager implements a reference pager task that backs a
// managed.Space with the contents of a file, re-serving pages when
// fsnotify reports the file changed underneath it (spec §4.1.3's
// supplementary Invalidate path).
package filepager

import (
	"context"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/orizon-lang/orizon-vmcore/internal/vm/managed"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/physalloc"
)

// Pager serves a managed.Backing's load requests from a file on disk and
// invalidates resident pages when the file is modified externally.
type Pager struct {
	path     string
	file     *os.File
	backing  *managed.Backing
	alloc    physalloc.Allocator
	accessor page.Accessor
	watcher  *fsnotify.Watcher
}

// New opens path read-only and wires it to backing.
func New(path string, backing *managed.Backing, alloc physalloc.Allocator, accessor page.Accessor) (*Pager, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filepager: open %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("filepager: new watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		f.Close()
		watcher.Close()
		return nil, fmt.Errorf("filepager: watch %s: %w", path, err)
	}

	return &Pager{path: path, file: f, backing: backing, alloc: alloc, accessor: accessor, watcher: watcher}, nil
}

// Close releases the underlying file and watcher.
func (p *Pager) Close() error {
	p.watcher.Close()
	return p.file.Close()
}

// Run drives two loops until ctx is canceled: one answering load requests
// by reading the file, one invalidating resident pages on external write.
func (p *Pager) Run(ctx context.Context) error {
	errc := make(chan error, 2)
	go func() { errc <- p.serveLoads(ctx) }()
	go func() { errc <- p.watchChanges(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

func (p *Pager) serveLoads(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req := p.backing.NextLoadRequest()

		buf := make([]byte, req.Length)
		// A read past EOF still materializes a zero-filled page, matching
		// an anonymous Allocated chunk's first-touch semantics; only the
		// bytes ReadAt actually supplied are copied from buf.
		n, _ := p.file.ReadAt(buf, int64(req.Offset))
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}

		phys, ok := p.alloc.Allocate(req.Length)
		if !ok {
			return fmt.Errorf("filepager: physical allocator exhausted")
		}
		dst := p.accessor.Bytes(phys, req.Length)
		copy(dst, buf)

		p.backing.CompleteLoad(req.Offset, req.Length, phys)
	}
}

func (p *Pager) watchChanges(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return fmt.Errorf("filepager: watcher closed")
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				p.backing.Invalidate(0, p.backing.Length())
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return fmt.Errorf("filepager: watcher closed")
			}
			return fmt.Errorf("filepager: watcher error: %w", err)
		}
	}
}
