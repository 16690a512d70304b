// Package dnet is the top-level node package: it owns the routing
// table, the transaction registry, configuration, worker goroutines
// and the shutdown signal.
package dnet

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pharmacolog/elliptics/internal/logging"
	"github.com/pharmacolog/elliptics/internal/metrics"
	"github.com/pharmacolog/elliptics/pkg/dnet/core"
	"github.com/pharmacolog/elliptics/pkg/dnet/identifier"
	dnetwire "github.com/pharmacolog/elliptics/pkg/dnet/wire"
)

// Node is a single participant in the storage mesh. It owns the
// routing table, the transaction registry, the listening socket and
// every peer worker goroutine.
type Node struct {
	cfg *Configuration

	routing  *core.RoutingTable
	registry *core.TransactionRegistry
	stats    *metrics.Snapshot
	log      logging.Logger

	listener net.Listener

	mu         sync.Mutex
	shutdown   bool
	shutdownCh chan struct{}
	group      *errgroup.Group
}

// Done implements core.ShutdownSignal so framed I/O waits and peer
// workers unblock within one timeout interval of shutdown.
func (n *Node) Done() <-chan struct{} {
	return n.shutdownCh
}

// Create constructs a Node's tables and, if cfg.ListenAddress is
// non-zero, binds and listens for inbound peer connections.
func Create(cfg *Configuration) (*Node, error) {
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = dnetwire.DefaultMaxPayload
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 5 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefaultLogger()
	}
	if cfg.Handler == nil {
		cfg.Handler = EchoHandler
	}

	n := &Node{
		cfg:        cfg,
		stats:      metrics.New(),
		log:        cfg.Logger,
		shutdownCh: make(chan struct{}),
		group:      &errgroup.Group{},
	}
	n.registry = core.NewTransactionRegistry(func() {
		n.log.Fatalf("node %s: transaction counter wrapped past 63 bits, aborting", cfg.ID)
	})

	selfPeer := core.NewPeer(nil, cfg.ListenAddress, cfg.ID, true, core.Joined, cfg.PeerTimeout, n.log, n)
	n.routing = core.NewRoutingTable(selfPeer)
	n.stats.AddPeer(1)

	if cfg.ListenAddress != (core.Address{}) {
		ln, err := net.Listen(cfg.ListenAddress.Network(), cfg.ListenAddress.String())
		if err != nil {
			return nil, fmt.Errorf("dnet: listen on %s: %w", cfg.ListenAddress, err)
		}
		n.listener = ln
		n.group.Go(n.acceptLoop)
	}

	return n, nil
}

// deps builds the WorkerDeps bundle shared by every peer worker.
func (n *Node) deps() core.WorkerDeps {
	return core.WorkerDeps{
		Routing:          n.routing,
		Registry:         n.registry,
		Handler:          n.cfg.Handler,
		Log:              n.log,
		Stats:            n.stats,
		MaxPayload:       n.cfg.MaxPayload,
		ReconnectBackoff: n.cfg.ReconnectBackoff,
	}
}

// spawnWorker starts the receive loop for p on its own goroutine,
// holding a dedicated peer reference for the worker's lifetime.
func (n *Node) spawnWorker(p *core.Peer) {
	p.Acquire()
	n.group.Go(func() error {
		core.RunWorker(p, n.deps())
		return nil
	})
}

// acceptLoop accepts inbound connections, performs the handshake, and
// spawns a worker for each.
func (n *Node) acceptLoop() error {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.shutdownCh:
				return nil
			default:
				n.log.Warnf("node: accept failed: %v", err)
				return nil
			}
		}

		peerAddr := core.Address{Family: "tcp", Host: "", Port: "", SockType: "stream", Protocol: "tcp"}
		p := core.NewPeer(conn, peerAddr, identifier.ID{}, false, core.Client, n.cfg.PeerTimeout, n.log, n)
		n.routing.AddUnkeyed(p)

		id, addr, err := n.inboundHandshake(p)
		if err != nil {
			n.log.Warnf("node: handshake with %s failed: %v", conn.RemoteAddr(), err)
			n.routing.Remove(p)
			p.Release()
			continue
		}
		p.Address = addr

		if err := n.routing.PromoteUnkeyed(p, id); err != nil {
			n.log.Warnf("node: promoting peer %s failed: %v", id, err)
			p.Release()
			continue
		}
		// The peer stays CLIENT until this node calls Join and declares
		// its peers mesh participants.
		n.stats.AddPeer(1)

		n.spawnWorker(p)
	}
}

// handshakePayload encodes an advertised (id, address) pair for the
// connect-time handshake. The address is opaque to the rest of the
// transport, so this is a small self-contained length-prefixed
// encoding rather than part of the wire codec.
func handshakePayload(id identifier.ID, addr core.Address) []byte {
	buf := make([]byte, 0, identifier.Size+64)
	buf = append(buf, id.Bytes()...)
	for _, s := range []string{addr.Family, addr.Host, addr.Port, addr.SockType, addr.Protocol} {
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, s...)
	}
	return buf
}

func parseHandshakePayload(buf []byte) (identifier.ID, core.Address, error) {
	var addr core.Address
	if len(buf) < identifier.Size {
		return identifier.ID{}, addr, fmt.Errorf("dnet: truncated handshake payload")
	}
	id, err := identifier.FromBytes(buf[:identifier.Size])
	if err != nil {
		return id, addr, err
	}
	off := identifier.Size
	fields := make([]string, 5)
	for i := range fields {
		if off+2 > len(buf) {
			return id, addr, fmt.Errorf("dnet: truncated handshake payload")
		}
		l := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+l > len(buf) {
			return id, addr, fmt.Errorf("dnet: truncated handshake payload")
		}
		fields[i] = string(buf[off : off+l])
		off += l
	}
	addr = core.Address{Family: fields[0], Host: fields[1], Port: fields[2], SockType: fields[3], Protocol: fields[4]}
	return id, addr, nil
}

// sendHandshake writes a handshake header+payload (trans=0, flags=0,
// status=0) over p.
func sendHandshake(p *core.Peer, id identifier.ID, addr core.Address) error {
	payload := handshakePayload(id, addr)
	header := dnetwire.CommandHeader{ID: id, Size: uint64(len(payload))}
	p.SendLock.Lock()
	defer p.SendLock.Unlock()
	if err := core.SendAll(p, dnetwire.Encode(header)); err != nil {
		return err
	}
	return core.SendAll(p, payload)
}

func recvHandshake(p *core.Peer, maxPayload uint64) (identifier.ID, core.Address, error) {
	header, err := core.RecvHeader(p, maxPayload)
	if err != nil {
		return identifier.ID{}, core.Address{}, err
	}
	buf := make([]byte, header.Size)
	if err := core.RecvAll(p, buf); err != nil {
		return identifier.ID{}, core.Address{}, err
	}
	return parseHandshakePayload(buf)
}

// inboundHandshake completes the receiving side of the handshake for
// an accepted connection; neither side routes through the peer until
// both have exchanged ids.
func (n *Node) inboundHandshake(p *core.Peer) (identifier.ID, core.Address, error) {
	id, addr, err := recvHandshake(p, n.cfg.MaxPayload)
	if err != nil {
		return id, addr, err
	}
	if err := sendHandshake(p, n.cfg.ID, n.cfg.ListenAddress); err != nil {
		return id, addr, err
	}
	return id, addr, nil
}

// AddPeer dials address, performs the handshake, creates a peer state,
// and inserts it into the routing table. Fails with DUPLICATE if the
// remote's advertised id is already routed; no worker is spawned in
// that case.
func (n *Node) AddPeer(address core.Address) (*core.Peer, error) {
	conn, err := net.DialTimeout(address.Network(), address.String(), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dnet: dial %s: %w", address, err)
	}

	p := core.NewPeer(conn, address, identifier.ID{}, false, core.Joined, n.cfg.PeerTimeout, n.log, n)

	if err := sendHandshake(p, n.cfg.ID, n.cfg.ListenAddress); err != nil {
		p.Release()
		return nil, err
	}
	id, _, err := recvHandshake(p, n.cfg.MaxPayload)
	if err != nil {
		p.Release()
		return nil, err
	}
	p.ID = id
	p.HasID = true

	if err := n.routing.Insert(p); err != nil {
		p.Release()
		return nil, err
	}
	n.stats.AddPeer(1)

	n.spawnWorker(p)
	return p, nil
}

// RemovePeer drops a peer from the routing table and releases the
// table's reference to it. The peer's worker goroutine holds its own
// reference and is not stopped here: the socket stays open and the
// worker keeps serving it until the worker exits (at node shutdown, or
// when a CLIENT peer's connection ends); the socket is closed when that
// last reference is released.
func (n *Node) RemovePeer(p *core.Peer) {
	n.routing.Remove(p)
	n.stats.AddPeer(-1)
	p.Release()
}

// RemovePeerByID drops the peer routed under exactly id, if any, and
// reports whether one was removed. The self-entry cannot be removed.
func (n *Node) RemovePeerByID(id identifier.ID) bool {
	p := n.routing.FindExact(id)
	if p == nil || p == n.routing.Self() {
		if p != nil {
			p.Release()
		}
		return false
	}
	p.Release() // undo FindExact's bump
	n.RemovePeer(p)
	return true
}

// Join marks this node as a storage participant, transitioning every
// currently-routed peer's join state to JOINED.
func (n *Node) Join() {
	peers := n.routing.IterSnapshot()
	for _, p := range peers {
		if p != n.routing.Self() {
			p.SetJoinState(core.Joined)
		}
		p.Release()
	}
}

// Issue builds, registers, and sends a transaction, returning its
// newly allocated number. completion is invoked for every reply chunk;
// the caller must eventually observe a MORE-clear reply or call
// Cancel. A request whose id routes to this node itself is executed
// locally, its completion runs before Issue returns, and the returned
// number is 0.
func (n *Node) Issue(cmd dnetwire.CommandHeader, payload []byte, completion core.Completion, priv interface{}) (uint64, error) {
	target := n.routing.Lookup(cmd.ID)

	if target == n.routing.Self() {
		target.Release()
		n.executeLocal(cmd, payload, completion)
		return 0, nil
	}

	t := &core.Transaction{
		Peer:       target,
		CmdHeader:  cmd,
		Data:       payload,
		Priv:       priv,
		Completion: completion,
	}
	if err := n.registry.Insert(t); err != nil {
		t.Destroy()
		return 0, err
	}
	n.stats.AddInFlight(1)
	n.log.Debugf("issue %s: trans %d -> peer %s", correlationID(), t.TransID, target.Address)

	header := cmd
	header.Trans = t.TransID
	header.Size = uint64(len(payload))

	target.SendLock.Lock()
	sendErr := core.SendAll(target, dnetwire.Encode(header))
	if sendErr == nil && len(payload) > 0 {
		sendErr = core.SendAll(target, payload)
	}
	target.SendLock.Unlock()

	if sendErr != nil {
		if n.registry.Remove(t) {
			n.stats.AddInFlight(-1)
			t.Destroy()
		}
		return 0, sendErr
	}

	n.stats.AddBytesSent(int64(dnetwire.HeaderSize + len(payload)))
	return t.TransID, nil
}

// executeLocal runs a request this node itself owns through the local
// handler and completes it synchronously.
func (n *Node) executeLocal(cmd dnetwire.CommandHeader, payload []byte, completion core.Completion) {
	var reply []byte
	var status int32
	if n.cfg.Handler != nil {
		reply, status = n.cfg.Handler(cmd, payload)
	}
	if completion != nil {
		header := cmd
		header.Size = uint64(len(reply))
		header.Trans = dnetwire.WithReply(cmd.Trans)
		header.Flags &^= dnetwire.FlagMore
		header.Status = status
		completion(header, reply)
	}
}

// Cancel removes a transaction from the registry and invokes its
// completion with status ABORTED and the DESTROY flag. Exactly one
// completion invocation is guaranteed for the transaction afterwards.
func (n *Node) Cancel(transID uint64) {
	t, found := n.registry.Find(transID)
	if !found {
		return
	}
	if !n.registry.Remove(t) {
		return
	}
	n.stats.AddInFlight(-1)

	header, completion := t.Snapshot()

	if completion != nil {
		header.Flags |= dnetwire.FlagDestroy
		header.Status = int32(core.StatusAborted)
		completion(header, nil)
	}
	t.Destroy()
}

// abortAll completes every registered transaction with ABORTED, used
// during the shutdown drain.
func (n *Node) abortAll() {
	for _, t := range n.registry.Snapshot() {
		if !n.registry.Remove(t) {
			continue
		}
		n.stats.AddInFlight(-1)
		n.stats.IncAborted()

		header, completion := t.Snapshot()

		if completion != nil {
			header.Flags |= dnetwire.FlagDestroy
			header.Status = int32(core.StatusAborted)
			completion(header, nil)
		}
		t.Destroy()
	}
}

// Destroy tears the node down: set the shutdown flag, drain the
// workers, abort every still-registered transaction, then free the
// tables. Safe to call more than once.
func (n *Node) Destroy() {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return
	}
	n.shutdown = true
	close(n.shutdownCh)
	n.mu.Unlock()

	if n.listener != nil {
		_ = n.listener.Close()
	}

	_ = n.group.Wait()

	n.abortAll()

	for _, p := range n.routing.IterSnapshot() {
		p.Release() // undo IterSnapshot's bump
		if p != n.routing.Self() {
			n.routing.Remove(p)
			p.Release()
		}
	}
}

// ListenerAddr returns the node's actual bound address, useful when
// Configuration.ListenAddress was given with port "0" and the OS
// picked an ephemeral port. Returns the zero Address if the node is
// not listening.
func (n *Node) ListenerAddr() core.Address {
	if n.listener == nil {
		return core.Address{}
	}
	tcpAddr, ok := n.listener.Addr().(*net.TCPAddr)
	if !ok {
		return core.Address{}
	}
	return core.Address{
		Family:   "tcp",
		Host:     tcpAddr.IP.String(),
		Port:     strconv.Itoa(tcpAddr.Port),
		SockType: "stream",
		Protocol: "tcp",
	}
}

// Stats returns the node's live counter snapshot.
func (n *Node) Stats() *metrics.Snapshot {
	return n.stats
}

// TransactionCount returns the number of transactions currently
// registered.
func (n *Node) TransactionCount() int {
	return n.registry.Len()
}

// PeerCount returns the number of routed (non-self) peers.
func (n *Node) PeerCount() int {
	return n.routing.Len()
}

// correlationID generates a human-readable id for log lines only,
// never the wire-level transaction number.
func correlationID() string {
	return uuid.NewString()
}
