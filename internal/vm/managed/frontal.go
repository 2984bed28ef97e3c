package managed

import (
	"github.com/orizon-lang/orizon-vmcore/internal/vm/bundle"
	"github.com/orizon-lang/orizon-vmcore/internal/vm/page"
)

// Frontal is the user-mapping-facing view onto a Space (spec: "Frontal is
// what user mappings use"). It implements bundle.Bundle.
type Frontal struct {
	space *Space
}

// NewFrontal wraps space for mapping use.
func NewFrontal(space *Space) *Frontal { return &Frontal{space: space} }

func (f *Frontal) Length() uintptr { return f.space.Length() }

func (f *Frontal) Peek(offset uintptr) (page.Addr, bundle.CachingMode) {
	return f.space.peek(offset), bundle.CachingDefault
}

func (f *Frontal) Fetch(offset uintptr, node *bundle.FetchNode) bool {
	return f.space.fetch(offset, node)
}
