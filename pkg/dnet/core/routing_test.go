package core

import (
	"testing"

	"github.com/pharmacolog/elliptics/pkg/dnet/identifier"
)

func idWithLastByte(b byte) identifier.ID {
	var id identifier.ID
	id[identifier.Size-1] = b
	return id
}

func newTestPeer(id identifier.ID) *Peer {
	return &Peer{ID: id, HasID: true, refcount: 1}
}

// Lookup for any id must return exactly one peer, or self.
func TestRoutingTable_LookupWrapsToLargest(t *testing.T) {
	self := newTestPeer(idWithLastByte(0x10))
	table := NewRoutingTable(self)

	p80 := newTestPeer(idWithLastByte(0x80))
	if err := table.Insert(p80); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// Looking up an id smaller than every entry wraps to the largest.
	got := table.Lookup(idWithLastByte(0x05))
	defer got.Release()
	if got != p80 {
		t.Fatalf("expected wraparound to largest id peer, got %v", got.ID)
	}
}

func TestRoutingTable_LookupClosestPredecessor(t *testing.T) {
	self := newTestPeer(idWithLastByte(0x10))
	table := NewRoutingTable(self)

	p80 := newTestPeer(idWithLastByte(0x80))
	if err := table.Insert(p80); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got := table.Lookup(idWithLastByte(0x90))
	defer got.Release()
	if got != p80 {
		t.Fatalf("expected closest predecessor 0x80, got %v", got.ID)
	}

	got2 := table.Lookup(idWithLastByte(0x20))
	defer got2.Release()
	if got2 != self {
		t.Fatalf("expected self as closest predecessor, got %v", got2.ID)
	}
}

func TestRoutingTable_InsertDuplicate(t *testing.T) {
	self := newTestPeer(idWithLastByte(0x10))
	table := NewRoutingTable(self)

	p := newTestPeer(idWithLastByte(0x50))
	if err := table.Insert(p); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	dup := newTestPeer(idWithLastByte(0x50))
	if err := table.Insert(dup); err == nil {
		t.Fatalf("expected DUPLICATE error on second insert with same id")
	}
}

func TestRoutingTable_RemoveIdempotent(t *testing.T) {
	self := newTestPeer(idWithLastByte(0x10))
	table := NewRoutingTable(self)

	p := newTestPeer(idWithLastByte(0x50))
	_ = table.Insert(p)
	table.Remove(p)
	table.Remove(p) // idempotent

	if table.Len() != 0 {
		t.Fatalf("expected empty table after remove, got %d", table.Len())
	}
}

func TestRoutingTable_RemoveNeverDropsSelf(t *testing.T) {
	self := newTestPeer(idWithLastByte(0x10))
	table := NewRoutingTable(self)
	table.Remove(self)

	got := table.Lookup(idWithLastByte(0x01))
	defer got.Release()
	if got != self {
		t.Fatalf("self entry must survive Remove")
	}
}

func TestRoutingTable_PromoteUnkeyed(t *testing.T) {
	self := newTestPeer(idWithLastByte(0x10))
	table := NewRoutingTable(self)

	p := newTestPeer(identifier.ID{})
	p.HasID = false
	table.AddUnkeyed(p)

	newID := idWithLastByte(0x40)
	if err := table.PromoteUnkeyed(p, newID); err != nil {
		t.Fatalf("promote failed: %v", err)
	}

	got := table.Lookup(idWithLastByte(0x41))
	defer got.Release()
	if got != p {
		t.Fatalf("expected promoted peer to be routable")
	}
}

func TestRoutingTable_FindExact(t *testing.T) {
	self := newTestPeer(idWithLastByte(0x10))
	table := NewRoutingTable(self)
	p := newTestPeer(idWithLastByte(0x50))
	_ = table.Insert(p)

	got := table.FindExact(idWithLastByte(0x50))
	if got != p {
		t.Fatalf("expected to find the routed peer")
	}
	if got.Refcount() != 2 {
		t.Fatalf("expected FindExact to bump the refcount, got %d", got.Refcount())
	}
	got.Release()

	if table.FindExact(idWithLastByte(0x51)) != nil {
		t.Fatalf("expected nil for an id with no exact entry")
	}
}

func TestRoutingTable_IterSnapshotBumpsRefcount(t *testing.T) {
	self := newTestPeer(idWithLastByte(0x10))
	table := NewRoutingTable(self)
	p := newTestPeer(idWithLastByte(0x50))
	_ = table.Insert(p)

	before := p.Refcount()
	snapshot := table.IterSnapshot()
	if p.Refcount() != before+1 {
		t.Fatalf("expected refcount bump from IterSnapshot, before=%d after=%d", before, p.Refcount())
	}
	for _, e := range snapshot {
		e.Release()
	}
}
