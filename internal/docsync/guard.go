package docsync

import (
	"sync"
	"sync/atomic"
)

// Guard marks the windows in which the session itself is changing what the
// presenter shows. Local edit notifications that arrive while it is held are
// echoes of those changes and are dropped.
type Guard struct {
	depth atomic.Int32
}

// Acquire holds the guard until the returned release func is called.
// Release is idempotent.
func (g *Guard) Acquire() (release func()) {
	g.depth.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { g.depth.Add(-1) })
	}
}

func (g *Guard) Active() bool {
	return g.depth.Load() > 0
}
