package classify

import "sync/atomic"

// atomicRefSets wraps atomic.Pointer[refSets] so Classify always reads a
// fully-formed snapshot without a lock, matching the "atomic swap, never
// a partial set" requirement in spec.md §5.
type atomicRefSets struct {
	p atomic.Pointer[refSets]
}

func (a *atomicRefSets) Store(s *refSets) { a.p.Store(s) }
func (a *atomicRefSets) Load() *refSets   { return a.p.Load() }
