// Package test holds loopback-node harness helpers for exercising a
// real TCP listener end to end instead of mocking the transport.
package test

import (
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/pharmacolog/elliptics/internal/logging"
	"github.com/pharmacolog/elliptics/pkg/dnet"
	"github.com/pharmacolog/elliptics/pkg/dnet/core"
	"github.com/pharmacolog/elliptics/pkg/dnet/identifier"
)

// quietLogger keeps the default logrus logger at INFO level during
// tests, so DEBUG lines are suppressed.
func quietLogger() logging.Logger {
	l := logging.NewDefaultLogger()
	l.ToggleDebug(false)
	return l
}

// idAt returns an identifier whose only nonzero byte is its last, for
// building a routing table with predictable ordering in tests.
func idAt(b byte) identifier.ID {
	var id identifier.ID
	id[identifier.Size-1] = b
	return id
}

// IDAt exposes idAt for tests outside this package that need a
// predictable id to construct a small mesh.
func IDAt(b byte) identifier.ID { return idAt(b) }

// NewLoopbackNode starts a node listening on an ephemeral 127.0.0.1
// port with the given id and handler. The returned Node is torn down
// with t.Cleanup; tests that check for goroutine leaks should destroy
// it explicitly before their leak check runs.
func NewLoopbackNode(t *testing.T, id identifier.ID, handler dnet.LocalHandler) (*dnet.Node, core.Address) {
	t.Helper()
	return NewLoopbackNodeWithTimeout(t, id, handler, 2*time.Second)
}

// NewLoopbackNodeWithTimeout is NewLoopbackNode with an explicit peer
// timeout, for tests that need shutdown to propagate quickly even
// while a peer's handler is still busy.
func NewLoopbackNodeWithTimeout(t *testing.T, id identifier.ID, handler dnet.LocalHandler, peerTimeout time.Duration) (*dnet.Node, core.Address) {
	t.Helper()

	addr := core.Address{Family: "tcp", Host: "127.0.0.1", Port: "0", SockType: "stream", Protocol: "tcp"}
	cfg := dnet.DefaultConfiguration(id)
	cfg.ListenAddress = addr
	cfg.Logger = quietLogger()
	cfg.PeerTimeout = peerTimeout
	if handler != nil {
		cfg.Handler = handler
	}

	node, err := dnet.Create(cfg)
	if err != nil {
		t.Fatalf("failed creating loopback node: %v", err)
	}

	bound := node.ListenerAddr()
	t.Cleanup(node.Destroy)
	return node, bound
}

// WaitThisOrTimeout runs cb on its own goroutine and reports whether
// it completed before duration elapses.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cb()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// PrintStackTrace dumps every goroutine's stack into the test log.
func PrintStackTrace(t *testing.T) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	t.Errorf("%s", buf[:n])
}

// FormatAddress is a small helper so tests can build dial targets without
// repeating fmt.Sprintf call sites.
func FormatAddress(host, port string) string {
	return fmt.Sprintf("%s:%s", host, port)
}

// DialPeer adds target as a peer of n, failing the test on error.
func DialPeer(t *testing.T, n *dnet.Node, target core.Address) *core.Peer {
	t.Helper()
	p, err := n.AddPeer(target)
	if err != nil {
		t.Fatalf("failed adding peer %s: %v", target, err)
	}
	return p
}
