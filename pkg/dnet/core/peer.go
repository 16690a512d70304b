// Package core implements the transport and transaction layer of the
// storage node: per-peer connection state, the id-keyed routing table,
// the transaction registry, and the per-peer worker loop.
package core

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pharmacolog/elliptics/internal/logging"
	"github.com/pharmacolog/elliptics/pkg/dnet/identifier"
)

// JoinState distinguishes one-shot outbound clients from mesh
// participants.
type JoinState int

const (
	// Client is a one-shot outbound connection; its worker does not
	// reconnect on disconnect.
	Client JoinState = iota
	// Joined marks a peer that has completed the mesh handshake.
	Joined
	// Rejoin marks a peer currently being re-established after a reconnect.
	Rejoin
)

func (j JoinState) String() string {
	switch j {
	case Client:
		return "CLIENT"
	case Joined:
		return "JOINED"
	case Rejoin:
		return "REJOIN"
	default:
		return "UNKNOWN"
	}
}

// Address is the (family, host, port, socket-type, protocol) tuple
// used to dial or re-dial a peer. Family, SockType and Protocol are
// carried through even though only the stream/TCP case is implemented,
// since the handshake advertises the full tuple and a remote may
// reject a family it does not support.
type Address struct {
	Family   string // "tcp", "tcp4", "tcp6"
	Host     string
	Port     string
	SockType string // "stream" is the only supported value
	Protocol string // "tcp" is the only supported value
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, a.Port)
}

// Network returns the value suitable for passing to net.Dial/net.Listen.
func (a Address) Network() string {
	if a.Family == "" {
		return "tcp"
	}
	return a.Family
}

// ShutdownSignal is polled by framed I/O waits and by the peer worker
// loop so that a node-wide shutdown unblocks every in-flight operation
// within one timeout interval.
type ShutdownSignal interface {
	// Done returns a channel that is closed once shutdown has been requested.
	Done() <-chan struct{}
}

// Peer is the per-connection record for a remote node. The socket is
// exclusively owned by this Peer and closed once the refcount reaches
// zero; SendLock guards outbound bytes so that any send sequence is
// atomic w.r.t. other sends on the same peer.
type Peer struct {
	mu sync.Mutex

	ID      identifier.ID
	HasID   bool
	Address Address
	Conn    net.Conn

	// SendLock guards the outbound byte stream; SendFile and SendAll
	// callers hold it for the duration of a whole header+body sequence.
	SendLock sync.Mutex

	refcount  int
	joinState JoinState
	Timeout   time.Duration

	log    logging.Logger
	signal ShutdownSignal

	// dialer redials Address on reconnect; captured so tests can fake it.
	dialer func(Address) (net.Conn, error)

	reconnectAttempts int64
}

// NewPeer constructs a peer state for an already-established socket
// (outbound connect or inbound accept), with refcount 1. The caller is
// responsible for inserting it into a RoutingTable once its id is
// known, and for spawning its worker.
func NewPeer(conn net.Conn, address Address, id identifier.ID, hasID bool, join JoinState, timeout time.Duration, log logging.Logger, signal ShutdownSignal) *Peer {
	return &Peer{
		ID:        id,
		HasID:     hasID,
		Address:   address,
		Conn:      conn,
		refcount:  1,
		joinState: join,
		Timeout:   timeout,
		log:       log,
		signal:    signal,
		dialer:    dialTCP,
	}
}

func dialTCP(addr Address) (net.Conn, error) {
	return net.DialTimeout(addr.Network(), addr.String(), 5*time.Second)
}

// Acquire increments the refcount under the peer's lock.
func (p *Peer) Acquire() {
	p.mu.Lock()
	p.refcount++
	p.mu.Unlock()
}

// Refcount returns the current refcount, for tests and invariant checks.
func (p *Peer) Refcount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refcount
}

// Release decrements the refcount under the peer's lock; on reaching
// zero it closes the socket. It reports whether this call destroyed
// the peer. Must not be called while holding the routing table's lock.
func (p *Peer) Release() (destroyed bool) {
	p.mu.Lock()
	p.refcount--
	if p.refcount < 0 {
		p.refcount = 0
	}
	destroyed = p.refcount == 0
	p.mu.Unlock()

	if destroyed {
		if p.Conn != nil {
			_ = p.Conn.Close()
		}
	}
	return destroyed
}

// Reconnect is callable only for non-Client peers; it closes the old
// socket, dials the peer's address, replaces the socket in place, and
// transitions JoinState to Rejoin.
func (p *Peer) Reconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.joinState == Client {
		return fmt.Errorf("core: reconnect not permitted for CLIENT peer %s", p.Address)
	}

	p.reconnectAttempts++
	if p.Conn != nil {
		_ = p.Conn.Close()
	}

	conn, err := p.dialer(p.Address)
	if err != nil {
		return fmt.Errorf("core: reconnect to %s failed: %w", p.Address, err)
	}

	p.Conn = conn
	p.joinState = Rejoin
	return nil
}

// JoinState returns the peer's current join state under its lock.
func (p *Peer) JoinState() JoinState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joinState
}

// SetJoinState transitions the peer's join state under its lock.
func (p *Peer) SetJoinState(state JoinState) {
	p.mu.Lock()
	p.joinState = state
	p.mu.Unlock()
}

// ReconnectAttempts returns how many times Reconnect has run, for
// metrics.
func (p *Peer) ReconnectAttempts() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnectAttempts
}
