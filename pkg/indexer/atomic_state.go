package indexer

import (
	"sync/atomic"

	"github.com/hyli-rollup/orderbook/pkg/ome"
)

// atomicState is a lock-free pointer swap so Publish never blocks readers
// and readers never block the executor loop, matching spec §5's
// single-writer/many-reader discipline.
type atomicState struct {
	p atomic.Pointer[ome.State]
}

func (a *atomicState) store(s *ome.State) { a.p.Store(s) }
func (a *atomicState) load() *ome.State   { return a.p.Load() }
