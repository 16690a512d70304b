package core

import (
	"sync"
	"testing"

	dnetwire "github.com/pharmacolog/elliptics/pkg/dnet/wire"
)

func TestTransactionRegistry_AllocatedIDsStrictlyIncreasing(t *testing.T) {
	r := NewTransactionRegistry(nil)
	var last uint64
	for i := 0; i < 100; i++ {
		tr := &Transaction{}
		if err := r.Insert(tr); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
		if i > 0 && tr.TransID <= last {
			t.Fatalf("expected strictly increasing trans ids, got %d after %d", tr.TransID, last)
		}
		last = tr.TransID
	}
}

func TestTransactionRegistry_FindAfterInsert(t *testing.T) {
	r := NewTransactionRegistry(nil)
	tr := &Transaction{}
	if err := r.Insert(tr); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got, found := r.Find(tr.TransID)
	if !found || got != tr {
		t.Fatalf("expected to find inserted transaction")
	}

	// Find must also accept ids with the REPLY bit set, masking it off.
	got2, found2 := r.Find(dnetwire.WithReply(tr.TransID))
	if !found2 || got2 != tr {
		t.Fatalf("expected Find to mask the REPLY bit")
	}
}

func TestTransactionRegistry_RemoveIdempotent(t *testing.T) {
	r := NewTransactionRegistry(nil)
	tr := &Transaction{}
	_ = r.Insert(tr)
	r.Remove(tr)
	r.Remove(tr) // idempotent, must not panic

	if _, found := r.Find(tr.TransID); found {
		t.Fatalf("expected transaction gone after remove")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestTransactionRegistry_WraparoundAborts(t *testing.T) {
	r := NewTransactionRegistry(nil)
	r.counter = dnetwire.TransMask // one short of overflowing into the reply bit

	tr := &Transaction{}
	if err := r.Insert(tr); err != nil {
		t.Fatalf("last valid id should still insert: %v", err)
	}

	var tripped bool
	r2 := NewTransactionRegistry(func() { tripped = true })
	r2.counter = dnetwire.TransMask + 1 // already past the 63-bit space

	_ = r2.Insert(&Transaction{})
	if !tripped {
		t.Fatalf("expected onWraparound to fire")
	}
}

func TestTransactionRegistry_ConcurrentInsertNoDuplicateIDs(t *testing.T) {
	r := NewTransactionRegistry(nil)
	const n = 200
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr := &Transaction{}
			if err := r.Insert(tr); err == nil {
				ids <- tr.TransID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate transaction id %d allocated concurrently", id)
		}
		seen[id] = true
	}
}
