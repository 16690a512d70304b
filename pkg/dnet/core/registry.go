package core

import (
	"sync"

	dnetwire "github.com/pharmacolog/elliptics/pkg/dnet/wire"
)

// Completion is invoked once per received reply chunk for a
// transaction.
type Completion func(header dnetwire.CommandHeader, data []byte)

// Transaction is the in-flight request/reply correlation record. A
// Transaction never outlives its Peer: the registry holds the sole
// strong reference between Insert and Remove, and a Peer only reaches
// transactions transitively through the registry index, never by
// storing them.
type Transaction struct {
	mu sync.Mutex

	TransID   uint64
	RecvTrans uint64 // set only on forwarded transactions
	HasRecv   bool

	// Peer is the peer on which the reply is expected; an owning
	// reference acquired when the transaction is created.
	Peer *Peer

	CmdHeader dnetwire.CommandHeader
	Data      []byte

	// Priv is an opaque value belonging to the caller; Destroy invokes
	// PrivRelease (if set) so that caller-owned resources are freed
	// deterministically.
	Priv        interface{}
	PrivRelease func(interface{})

	Completion Completion

	inTree bool
}

// Destroy releases the transaction's peer reference and the caller's priv
// value. It is idempotent in the sense that calling it more than once is
// safe (the peer reference is only released on the first call).
func (t *Transaction) Destroy() {
	t.mu.Lock()
	peer := t.Peer
	t.Peer = nil
	priv := t.Priv
	release := t.PrivRelease
	t.Priv = nil
	t.mu.Unlock()

	if peer != nil {
		peer.Release()
	}
	if release != nil && priv != nil {
		release(priv)
	}
}

// Snapshot returns a consistent (header, completion) pair under the
// transaction's lock, for callers outside package core that need to
// invoke the completion without racing the worker's writes to CmdHeader.
func (t *Transaction) Snapshot() (dnetwire.CommandHeader, Completion) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CmdHeader, t.Completion
}

// InTree reports whether the transaction is currently indexed by the registry.
func (t *Transaction) InTree() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inTree
}

// TransactionRegistry is the per-node indexed set of in-flight
// transactions keyed by their 63-bit trans id. The counter is never
// reused within a process run; on wraparound the node must abort
// rather than risk a collision.
type TransactionRegistry struct {
	mu      sync.Mutex
	counter uint64
	byID    map[uint64]*Transaction

	// onWraparound is invoked (instead of panicking directly) when the
	// counter would wrap past the 63-bit space, so tests can observe the
	// fatal path without actually aborting the process.
	onWraparound func()
}

// NewTransactionRegistry creates an empty registry. onWraparound is
// called with the registry lock released; production callers should
// pass a function that logs and exits the process.
func NewTransactionRegistry(onWraparound func()) *TransactionRegistry {
	if onWraparound == nil {
		onWraparound = func() { panic("core: transaction counter wrapped past 63 bits") }
	}
	return &TransactionRegistry{
		byID:         make(map[uint64]*Transaction),
		onWraparound: onWraparound,
	}
}

// Insert assigns t.TransID from the registry's monotonic counter and
// links t into the index. Returns a DUPLICATE error if the freshly
// assigned id already exists, which would mean a counter bug.
func (r *TransactionRegistry) Insert(t *Transaction) error {
	r.mu.Lock()
	overflowed := r.counter&dnetwire.TransMask != r.counter
	r.mu.Unlock()

	if overflowed {
		// The counter would wrap into the reply bit.
		r.onWraparound()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.counter & dnetwire.TransMask
	r.counter++

	if _, exists := r.byID[id]; exists {
		return statusErr(StatusDuplicate, nil)
	}

	t.mu.Lock()
	t.TransID = id
	t.inTree = true
	t.mu.Unlock()

	r.byID[id] = t
	return nil
}

// Remove drops t from the index; idempotent. It reports whether this
// call performed the removal, so racing teardown paths can agree on
// which of them delivers the terminal completion.
func (r *TransactionRegistry) Remove(t *Transaction) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(t)
}

func (r *TransactionRegistry) removeLocked(t *Transaction) bool {
	t.mu.Lock()
	wasInTree := t.inTree
	t.inTree = false
	id := t.TransID
	t.mu.Unlock()

	if wasInTree {
		delete(r.byID, id)
	}
	return wasInTree
}

// Find looks up a transaction by its 63-bit id, masking off the reply
// bit.
func (r *TransactionRegistry) Find(id uint64) (*Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id&dnetwire.TransMask]
	return t, ok
}

// Len returns the number of currently registered transactions.
func (r *TransactionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Snapshot returns every currently registered transaction, for
// shutdown drain and peer-loss aborts.
func (r *TransactionRegistry) Snapshot() []*Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Transaction, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	return out
}
