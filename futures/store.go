// Package futures tracks outstanding broker operations so they can be failed
// in bulk when the connection underneath them is replaced.
//
// A root Store belongs to a connection. Each channel derives its own child
// store via GetChild, so rejecting one channel's in-flight operations never
// touches a sibling channel sharing the same connection. Rejecting a store
// walks only the subtree rooted at it.
package futures

import "sync"

// Store tracks unresolved futures for in-flight broker operations.
type Store struct {
	mu       sync.Mutex
	parent   *Store
	children []*Store
	pending  map[uint64]*Future
	nextID   uint64
}

// NewStore creates a root store, typically one per connection.
func NewStore() *Store {
	return &Store{pending: make(map[uint64]*Future)}
}

// GetChild derives a store whose membership is disjoint from sibling
// children but whose lifecycle is bounded by this store: rejecting the
// parent also rejects every descendant.
func (s *Store) GetChild() *Store {
	child := NewStore()
	child.parent = s
	s.mu.Lock()
	s.children = append(s.children, child)
	s.mu.Unlock()
	return child
}

// Release detaches the store from its parent, so the parent drops its
// reference and no longer walks it during RejectAll. Called when the owner
// of a child store goes away for good; a no-op on a root store.
func (s *Store) Release() {
	s.mu.Lock()
	parent := s.parent
	s.parent = nil
	s.mu.Unlock()
	if parent == nil {
		return
	}

	parent.mu.Lock()
	for i, child := range parent.children {
		if child == s {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	parent.mu.Unlock()
}

// Register creates a future tracked by this store until it resolves.
func (s *Store) Register() *Future {
	f := &Future{store: s, done: make(chan struct{})}
	s.mu.Lock()
	s.nextID++
	f.id = s.nextID
	s.pending[f.id] = f
	s.mu.Unlock()
	return f
}

// RejectAll fails every still-unresolved future tracked by this store and
// its descendants with err. Safe to call with nothing pending. Futures
// registered after RejectAll returns are unaffected.
func (s *Store) RejectAll(err error) {
	s.mu.Lock()
	pending := make([]*Future, 0, len(s.pending))
	for _, f := range s.pending {
		pending = append(pending, f)
	}
	children := make([]*Store, len(s.children))
	copy(children, s.children)
	s.mu.Unlock()

	for _, f := range pending {
		f.Fail(err)
	}
	for _, child := range children {
		child.RejectAll(err)
	}
}

// Len reports how many futures are still unresolved in this store alone.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Store) remove(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}
