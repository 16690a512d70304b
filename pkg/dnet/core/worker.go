// Worker is the per-peer receive loop: read a header, classify it as a
// reply or a new request, dispatch accordingly, and reconnect on
// transient disconnects for mesh-joined peers.
package core

import (
	"time"

	"github.com/pharmacolog/elliptics/internal/logging"
	"github.com/pharmacolog/elliptics/internal/metrics"
	dnetwire "github.com/pharmacolog/elliptics/pkg/dnet/wire"
)

// LocalHandler processes a request addressed to this node (the target
// resolved to the routing table's self-entry) and returns the reply
// payload plus status. The object-storage backend that actually
// interprets cmd and payload plugs in through this seam.
type LocalHandler func(cmd dnetwire.CommandHeader, payload []byte) (reply []byte, status int32)

// WorkerDeps bundles the node-wide collaborators a peer worker needs,
// kept separate from the node itself so the worker can be unit tested
// without constructing a full node.
type WorkerDeps struct {
	Routing    *RoutingTable
	Registry   *TransactionRegistry
	Handler    LocalHandler
	Log        logging.Logger
	Stats      *metrics.Snapshot
	MaxPayload uint64

	// ReconnectBackoff is the sleep between failed reconnect attempts.
	ReconnectBackoff time.Duration
}

// RunWorker runs the receive loop for peer p until the node's shutdown
// signal fires or (for CLIENT peers) the connection ends. It always
// releases the worker's peer reference on exit.
func RunWorker(p *Peer, deps WorkerDeps) {
	defer p.Release()

	backoff := deps.ReconnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		if shutdownRequested(p.signal) {
			return
		}

		header, err := RecvHeader(p, deps.MaxPayload)
		if err != nil {
			if handleRecvError(p, err, deps, backoff) {
				continue
			}
			return
		}

		if header.IsReply() {
			handleReply(p, header, deps)
		} else {
			handleRequest(p, header, deps)
		}
	}
}

// handleRecvError decides whether the loop survives a receive failure.
// On DISCONNECT or TIMEOUT, non-CLIENT peers reconnect (sleeping on
// failure) and the loop continues; CLIENT peers exit. Anything else is
// fatal for the connection.
func handleRecvError(p *Peer, err error, deps WorkerDeps, backoff time.Duration) (shouldContinue bool) {
	fe, ok := err.(*FramedError)
	if !ok {
		return false
	}

	switch fe.Status {
	case StatusShutdown:
		return false
	case StatusDisconnect, StatusTimeout:
		// Pending transactions are not queued across the reconnect
		// attempt; they are aborted immediately.
		abortTransactionsForPeer(p, deps)

		if p.JoinState() == Client {
			return false
		}

		rerr := p.Reconnect()
		if rerr != nil {
			if deps.Log != nil {
				deps.Log.Warnf("peer %s: reconnect failed, retrying in %s: %v", p.Address, backoff, rerr)
			}
			if deps.Stats != nil {
				deps.Stats.IncReconnectAttempts()
			}
			time.Sleep(backoff)
			return true
		}
		if deps.Stats != nil {
			deps.Stats.IncReconnectAttempts()
		}
		return true
	default:
		if deps.Log != nil {
			deps.Log.Errorf("peer %s: fatal recv error, closing connection: %v", p.Address, fe)
		}
		abortTransactionsForPeer(p, deps)
		return false
	}
}

// abortTransactionsForPeer completes, with ABORTED, every transaction
// currently expecting a reply on p.
func abortTransactionsForPeer(p *Peer, deps WorkerDeps) {
	for _, t := range deps.Registry.Snapshot() {
		t.mu.Lock()
		samePeer := t.Peer == p
		t.mu.Unlock()
		if !samePeer {
			continue
		}

		if !deps.Registry.Remove(t) {
			continue
		}
		if deps.Stats != nil {
			deps.Stats.AddInFlight(-1)
			deps.Stats.IncAborted()
		}

		header, completion := t.Snapshot()
		if completion != nil {
			header.Flags |= dnetwire.FlagDestroy
			header.Status = int32(StatusAborted)
			completion(header, nil)
		}
		t.Destroy()
	}
}

// handleReply correlates an inbound reply with its transaction, reads
// the body, invokes the completion or relays the packet to the
// original requester, and removes/destroys the transaction once MORE
// is clear.
func handleReply(p *Peer, header dnetwire.CommandHeader, deps WorkerDeps) {
	transID := header.TransNumber()
	t, found := deps.Registry.Find(transID)
	if !found {
		drain(p, header)
		if deps.Log != nil {
			deps.Log.Warnf("peer %s: reply for unknown transaction %d, dropped", p.Address, transID)
		}
		return
	}

	data := make([]byte, header.Size)
	if err := RecvAll(p, data); err != nil {
		if deps.Registry.Remove(t) {
			if deps.Stats != nil {
				deps.Stats.AddInFlight(-1)
			}
			t.Destroy()
		}
		return
	}
	if deps.Stats != nil {
		deps.Stats.AddBytesReceived(int64(len(data)))
	}

	more := header.Flags&dnetwire.FlagMore != 0
	if !more {
		if !deps.Registry.Remove(t) {
			// Lost the race against a cancel or abort, which already
			// delivered the terminal completion.
			return
		}
		if deps.Stats != nil {
			deps.Stats.AddInFlight(-1)
		}
	}

	t.mu.Lock()
	t.CmdHeader = header
	completion := t.Completion
	forwardTo := t.Peer
	hasRecv := t.HasRecv
	recvTrans := t.RecvTrans
	t.mu.Unlock()

	if completion != nil {
		completion(header, data)
	} else if hasRecv && forwardTo != nil {
		// Relay the reply to the upstream peer under its original
		// transaction number.
		relayHeader := header
		relayHeader.Trans = dnetwire.WithReply(recvTrans)
		forwardTo.SendLock.Lock()
		if err := SendAll(forwardTo, dnetwire.Encode(relayHeader)); err == nil && len(data) > 0 {
			_ = SendAll(forwardTo, data)
		}
		forwardTo.SendLock.Unlock()
	}

	if !more {
		t.Destroy()
	}
}

// drain reads and discards the body of a reply whose transaction is no
// longer known.
func drain(p *Peer, header dnetwire.CommandHeader) {
	if header.Size == 0 {
		return
	}
	buf := make([]byte, header.Size)
	_ = RecvAll(p, buf)
}

// handleRequest resolves the target peer for an inbound request via the
// routing table, then either calls the local handler or forwards the
// request, remembering the upstream trans id for the reply path.
func handleRequest(source *Peer, header dnetwire.CommandHeader, deps WorkerDeps) {
	target := deps.Routing.Lookup(header.ID)
	defer target.Release()

	body := make([]byte, header.Size)
	if err := RecvAll(source, body); err != nil {
		return
	}
	if deps.Stats != nil {
		deps.Stats.AddBytesReceived(int64(len(body)))
	}

	if target == deps.Routing.Self() || target == source {
		handleLocal(source, header, body, deps)
		return
	}

	forward(source, target, header, body, deps)
}

// handleLocal runs the request through the local handler and sends the
// terminal reply back on the source connection.
func handleLocal(source *Peer, header dnetwire.CommandHeader, body []byte, deps WorkerDeps) {
	var reply []byte
	var status int32
	if deps.Handler != nil {
		reply, status = deps.Handler(header, body)
	}

	replyHeader := dnetwire.CommandHeader{
		ID:     header.ID,
		Size:   uint64(len(reply)),
		Trans:  dnetwire.WithReply(header.TransNumber()),
		Flags:  0,
		Status: status,
	}
	source.SendLock.Lock()
	defer source.SendLock.Unlock()
	if err := SendAll(source, dnetwire.Encode(replyHeader)); err != nil {
		return
	}
	if len(reply) > 0 {
		_ = SendAll(source, reply)
	}
	if deps.Stats != nil {
		deps.Stats.AddBytesSent(int64(dnetwire.HeaderSize + len(reply)))
	}
}

// forward re-issues a received request on behalf of the upstream peer:
// allocate a new transaction, rewrite the trans number, insert with the
// source peer as the reply destination (refcount bumped so the reply
// can route back), and send header+body to the target. A failed send
// destroys the forwarded transaction and notifies the origin with
// FORWARD_FAILED.
func forward(source *Peer, target *Peer, header dnetwire.CommandHeader, body []byte, deps WorkerDeps) {
	source.Acquire()
	t := &Transaction{
		RecvTrans: header.Trans,
		HasRecv:   true,
		Peer:      source,
		CmdHeader: header,
	}
	if err := deps.Registry.Insert(t); err != nil {
		t.Destroy()
		notifyForwardFailed(source, header)
		return
	}
	if deps.Stats != nil {
		deps.Stats.AddInFlight(1)
	}

	forwardHeader := header
	forwardHeader.Trans = t.TransID

	target.SendLock.Lock()
	sendErr := SendAll(target, dnetwire.Encode(forwardHeader))
	if sendErr == nil && len(body) > 0 {
		sendErr = SendAll(target, body)
	}
	target.SendLock.Unlock()

	if sendErr != nil {
		if deps.Registry.Remove(t) {
			if deps.Stats != nil {
				deps.Stats.AddInFlight(-1)
			}
			t.Destroy()
		}
		notifyForwardFailed(source, header)
		return
	}

	if deps.Stats != nil {
		deps.Stats.IncForwarded()
		deps.Stats.AddBytesSent(int64(dnetwire.HeaderSize + len(body)))
	}
}

// notifyForwardFailed sends a terminal REPLY with status FORWARD_FAILED
// back to the origin peer.
func notifyForwardFailed(origin *Peer, header dnetwire.CommandHeader) {
	reply := dnetwire.CommandHeader{
		ID:     header.ID,
		Size:   0,
		Trans:  dnetwire.WithReply(header.TransNumber()),
		Flags:  0,
		Status: int32(StatusForwardFailed),
	}
	origin.SendLock.Lock()
	defer origin.SendLock.Unlock()
	_ = SendAll(origin, dnetwire.Encode(reply))
}
