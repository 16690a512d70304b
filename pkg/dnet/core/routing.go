package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pharmacolog/elliptics/pkg/dnet/identifier"
)

// RoutingTable is an ordered set of peers keyed by id, supporting
// closest-predecessor lookup with wraparound.
//
// All mutations are serialized under a single lock; Lookup acquires a
// reference on the returned peer before releasing the lock.
type RoutingTable struct {
	mu      sync.Mutex
	self    *Peer
	entries []*Peer // sorted ascending by Peer.ID

	// unkeyed holds peers accepted but not yet handshaked; they are
	// promoted into entries once the handshake supplies an id.
	unkeyed []*Peer
}

// NewRoutingTable creates a table whose self-entry is selfPeer.
// selfPeer must already have its id set; it can never be removed.
func NewRoutingTable(selfPeer *Peer) *RoutingTable {
	t := &RoutingTable{self: selfPeer}
	t.entries = append(t.entries, selfPeer)
	return t
}

// Self returns the local node's own routing entry.
func (t *RoutingTable) Self() *Peer {
	return t.self
}

// Insert adds peer to the table, failing with DUPLICATE if an entry
// with the same id already exists.
func (t *RoutingTable) Insert(peer *Peer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(peer)
}

func (t *RoutingTable) insertLocked(peer *Peer) error {
	i := sort.Search(len(t.entries), func(i int) bool {
		return !t.entries[i].ID.Less(peer.ID)
	})
	if i < len(t.entries) && t.entries[i].ID.Compare(peer.ID) == 0 {
		return statusErr(StatusDuplicate, fmt.Errorf("core: peer with id %s already routed", peer.ID))
	}
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = peer
	return nil
}

// Remove drops peer from the table; it is idempotent. The self-entry
// can never be removed.
func (t *RoutingTable) Remove(peer *Peer) {
	if peer == t.self {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e == peer {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
	for i, e := range t.unkeyed {
		if e == peer {
			t.unkeyed = append(t.unkeyed[:i], t.unkeyed[i+1:]...)
			return
		}
	}
}

// AddUnkeyed registers a peer whose id is not yet known (inbound accept
// pending handshake).
func (t *RoutingTable) AddUnkeyed(peer *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unkeyed = append(t.unkeyed, peer)
}

// PromoteUnkeyed moves peer out of the unkeyed set and into the routed
// table once its id has arrived via handshake.
func (t *RoutingTable) PromoteUnkeyed(peer *Peer, id identifier.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.unkeyed {
		if e == peer {
			t.unkeyed = append(t.unkeyed[:i], t.unkeyed[i+1:]...)
			peer.ID = id
			peer.HasID = true
			return t.insertLocked(peer)
		}
	}
	return fmt.Errorf("core: peer not found in unkeyed set")
}

// Lookup returns the peer owning the closest-predecessor id to id,
// wrapping to the largest id if none compare at or below it, or the
// self-entry if no other peer is closer. The returned peer has had
// Acquire called on it while the table lock was held.
func (t *RoutingTable) Lookup(id identifier.ID) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	peer := t.lookupLocked(id)
	peer.Acquire()
	return peer
}

// lookupLocked finds the entry whose id is the largest id at or below
// target, wrapping to the largest id in the table. self is always one
// of t.entries, so this naturally returns self when no other peer is
// closer.
func (t *RoutingTable) lookupLocked(id identifier.ID) *Peer {
	// Find the first entry with ID > id; its predecessor is the
	// closest-predecessor candidate.
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].ID.Compare(id) > 0
	})

	if i == 0 {
		// Every entry is above id: wrap to the largest.
		return t.entries[len(t.entries)-1]
	}
	return t.entries[i-1]
}

// FindExact returns the peer routed under exactly id, with a
// reference acquired, or nil if no such entry exists.
func (t *RoutingTable) FindExact(id identifier.ID) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.entries), func(i int) bool {
		return !t.entries[i].ID.Less(id)
	})
	if i < len(t.entries) && t.entries[i].ID.Compare(id) == 0 {
		p := t.entries[i]
		p.Acquire()
		return p
	}
	return nil
}

// IterSnapshot returns a refcount-bumped list of all routed peers, for
// broadcast operations.
func (t *RoutingTable) IterSnapshot() []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Peer, len(t.entries))
	for i, e := range t.entries {
		e.Acquire()
		out[i] = e
	}
	return out
}

// Len returns the number of routed (non-self, non-unkeyed) peers.
func (t *RoutingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries) - 1
}
