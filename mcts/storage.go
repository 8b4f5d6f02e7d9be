package mcts

import (
	"sync"

	"github.com/pkg/errors"
)

// chunkSize is the number of nodes appended to a Storage at a time, split
// into fixed 16-node chunks so a torn-down Storage can be handed back whole
// to the next tree.
const chunkSize = 16

// maxTreeSize bounds a single tree's node count as a safety valve against
// runaway allocation.
const maxTreeSize = 25_000_000

// Storage is a chunked slab allocator for Nodes. Allocation within a live
// Storage is strictly monotonic; there is no per-node free-list. When the
// last node handed out by a Storage is freed, the whole Storage (with its
// already-allocated chunks) is pushed onto a process-wide free-list for the
// next tree to reuse, amortising allocation across rollouts.
type Storage struct {
	mu        sync.Mutex
	chunks    [][]Node
	next      int32 // next free slot, monotonic within the live Storage
	allocated int32 // outstanding node count, guarded by mu
}

var globalFreeList struct {
	mu   sync.Mutex
	pool []*Storage
}

// AcquireStorage pops a recycled Storage off the process-wide free-list, or
// allocates a fresh one if none is available.
func AcquireStorage() *Storage {
	globalFreeList.mu.Lock()
	n := len(globalFreeList.pool)
	if n == 0 {
		globalFreeList.mu.Unlock()
		return &Storage{}
	}
	s := globalFreeList.pool[n-1]
	globalFreeList.pool = globalFreeList.pool[:n-1]
	globalFreeList.mu.Unlock()
	return s
}

func releaseStorage(s *Storage) {
	globalFreeList.mu.Lock()
	globalFreeList.pool = append(globalFreeList.pool, s)
	globalFreeList.mu.Unlock()
}

// NewNode hands out a freshly-reset node slot, appending a new chunk if the
// current one is exhausted.
func (s *Storage) NewNode(parent *Node) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(s.allocated) >= maxTreeSize {
		return nil, errors.Wrapf(ErrStorageExhausted, "at %d nodes", maxTreeSize)
	}

	chunkIdx := int(s.next) / chunkSize
	slotIdx := int(s.next) % chunkSize
	if chunkIdx >= len(s.chunks) {
		s.chunks = append(s.chunks, make([]Node, chunkSize))
	}
	n := &s.chunks[chunkIdx][slotIdx]
	n.reset()
	n.storage = s
	n.index = s.next
	n.parent = parent
	s.next++
	s.allocated++
	return n, nil
}

// Free returns n to its owning Storage. When the outstanding count reaches
// zero the Storage is returned to the process-wide free-list, its chunks
// intact, for O(1) reuse by the next tree with no heap churn.
func (s *Storage) Free(n *Node) {
	n.reset()
	s.mu.Lock()
	s.allocated--
	empty := s.allocated == 0
	if empty {
		s.next = 0
	}
	s.mu.Unlock()
	if empty {
		releaseStorage(s)
	}
}

// Allocated reports the outstanding node count, for tests and metrics.
func (s *Storage) Allocated() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated
}
