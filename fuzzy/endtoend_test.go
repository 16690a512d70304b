// Package fuzzy holds goroutine-leak-checked end-to-end scenarios that
// exercise real nodes over real TCP connections instead of mocking the
// transport.
package fuzzy

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/pharmacolog/elliptics/pkg/dnet"
	"github.com/pharmacolog/elliptics/pkg/dnet/core"
	"github.com/pharmacolog/elliptics/pkg/dnet/wire"
	"github.com/pharmacolog/elliptics/test"
)

// A client node issues a transaction addressed to the server node's own
// id; the server's worker resolves the target to its self-entry and the
// echo handler replies with the same payload, status 0, MORE clear.
func Test_LoopbackEcho(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	serverID := test.IDAt(0x01)
	server, serverAddr := test.NewLoopbackNode(t, serverID, dnet.EchoHandler)
	client, _ := test.NewLoopbackNode(t, test.IDAt(0x02), nil)

	test.DialPeer(t, client, serverAddr)

	type reply struct {
		header wire.CommandHeader
		data   []byte
	}
	replies := make(chan reply, 1)
	completion := func(h wire.CommandHeader, data []byte) {
		replies <- reply{header: h, data: data}
	}

	cmd := wire.CommandHeader{ID: serverID}
	payload := []byte("ping")
	if _, err := client.Issue(cmd, payload, completion, nil); err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	select {
	case r := <-replies:
		if r.header.Status != 0 {
			t.Fatalf("expected status 0, got %d", r.header.Status)
		}
		if r.header.Flags&wire.FlagMore != 0 {
			t.Fatalf("expected MORE clear on the terminal reply")
		}
		if string(r.data) != "ping" {
			t.Fatalf("expected echoed payload %q, got %q", "ping", r.data)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for echo reply")
	}

	client.Destroy()
	server.Destroy()
}

// N1 (id 0x10) and N2 (id 0x80); N1 issues targeting id 0x90, which
// N1's routing resolves to N2; N2 executes locally and replies. N1's
// registry must be empty after the reply.
func Test_TwoHopForward(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	n2, n2Addr := test.NewLoopbackNode(t, test.IDAt(0x80), dnet.EchoHandler)
	n1, _ := test.NewLoopbackNode(t, test.IDAt(0x10), dnet.EchoHandler)

	test.DialPeer(t, n1, n2Addr)

	replies := make(chan wire.CommandHeader, 1)
	completion := func(h wire.CommandHeader, data []byte) {
		replies <- h
	}

	targetID := test.IDAt(0x90)
	cmd := wire.CommandHeader{ID: targetID}
	if _, err := n1.Issue(cmd, []byte("hop"), completion, nil); err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	select {
	case h := <-replies:
		if h.Status != 0 {
			t.Fatalf("expected status 0, got %d", h.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for forwarded reply")
	}

	deadline := time.Now().Add(2 * time.Second)
	for n1.TransactionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n1.TransactionCount() != 0 {
		t.Fatalf("expected N1's registry empty after the reply, got %d entries", n1.TransactionCount())
	}

	n1.Destroy()
	n2.Destroy()
}

// N1 dials N2, issues a transaction, then N2 goes away. N1's worker
// observes DISCONNECT, the pending transaction receives ABORTED
// immediately rather than being queued across the reconnect, and the
// worker keeps retrying the reconnect until N1 shuts down.
func Test_ReconnectOnClose_AbortsPendingTransaction(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	block := make(chan struct{})
	n2, n2Addr := test.NewLoopbackNode(t, test.IDAt(0x80), func(wire.CommandHeader, []byte) ([]byte, int32) {
		<-block
		return nil, 0
	})
	n1, _ := test.NewLoopbackNode(t, test.IDAt(0x10), dnet.EchoHandler)

	test.DialPeer(t, n1, n2Addr)

	aborted := make(chan wire.CommandHeader, 1)
	completion := func(h wire.CommandHeader, data []byte) {
		aborted <- h
	}

	cmd := wire.CommandHeader{ID: test.IDAt(0x80)}
	if _, err := n1.Issue(cmd, []byte("doomed"), completion, nil); err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	// Tear N2 down; unblocking its handler lets its worker observe the
	// shutdown and drop the connection.
	destroyed := make(chan struct{})
	go func() {
		n2.Destroy()
		close(destroyed)
	}()
	// Unblock the handler only once shutdown is flagged, so its reply
	// attempt fails instead of racing the teardown.
	<-n2.Done()
	close(block)

	select {
	case h := <-aborted:
		if h.Status != int32(core.StatusAborted) {
			t.Fatalf("expected ABORTED status, got %d", h.Status)
		}
		if h.Flags&wire.FlagDestroy == 0 {
			t.Fatalf("expected DESTROY flag on the aborted completion")
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for ABORTED completion after peer loss")
	}
	<-destroyed

	// The worker keeps dialing N2's old address once per backoff interval.
	deadline := time.Now().Add(3 * time.Second)
	for n1.Stats().ReconnectAttempts() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n1.Stats().ReconnectAttempts() == 0 {
		t.Fatalf("expected at least one reconnect attempt after peer loss")
	}

	n1.Destroy()
}

// Cancelling an in-flight transaction delivers exactly one completion
// (the cancellation), and the server's late reply is dropped as a
// reply for an unknown transaction.
func Test_Cancel_ExactlyOneCompletion(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	server, serverAddr := test.NewLoopbackNode(t, test.IDAt(0x80), func(_ wire.CommandHeader, payload []byte) ([]byte, int32) {
		<-release
		return payload, 0
	})
	client, _ := test.NewLoopbackNode(t, test.IDAt(0x10), nil)
	test.DialPeer(t, client, serverAddr)

	var mu sync.Mutex
	var calls []wire.CommandHeader
	completion := func(h wire.CommandHeader, data []byte) {
		mu.Lock()
		calls = append(calls, h)
		mu.Unlock()
	}

	cmd := wire.CommandHeader{ID: test.IDAt(0x80)}
	transID, err := client.Issue(cmd, []byte("slow"), completion, nil)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	client.Cancel(transID)
	close(release)

	// Give the late reply time to arrive and be dropped.
	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	got := append([]wire.CommandHeader(nil), calls...)
	mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one completion after cancel, got %d", len(got))
	}
	if got[0].Status != int32(core.StatusAborted) {
		t.Fatalf("expected ABORTED status on the cancellation, got %d", got[0].Status)
	}
	if got[0].Flags&wire.FlagDestroy == 0 {
		t.Fatalf("expected DESTROY flag on the cancellation")
	}
	if client.TransactionCount() != 0 {
		t.Fatalf("expected empty registry after cancel, got %d", client.TransactionCount())
	}

	client.Destroy()
	server.Destroy()
}

// Adding a peer whose advertised id already exists in the routing table
// fails with DUPLICATE and does not leave a second entry routed.
func Test_DuplicateID_Rejected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sharedID := test.IDAt(0x42)
	nodeA, addrA := test.NewLoopbackNode(t, sharedID, dnet.EchoHandler)
	nodeB, addrB := test.NewLoopbackNode(t, sharedID, dnet.EchoHandler)

	client, _ := test.NewLoopbackNode(t, test.IDAt(0x02), nil)
	test.DialPeer(t, client, addrA)

	if _, err := client.AddPeer(addrB); err == nil {
		t.Fatalf("expected DUPLICATE error adding a second peer with id %s", sharedID)
	}
	if client.PeerCount() != 1 {
		t.Fatalf("expected exactly one routed peer, got %d", client.PeerCount())
	}

	if !client.RemovePeerByID(sharedID) {
		t.Fatalf("expected removal of the routed peer by id")
	}
	if client.PeerCount() != 0 {
		t.Fatalf("expected no routed peers after removal, got %d", client.PeerCount())
	}

	client.Destroy()
	nodeA.Destroy()
	nodeB.Destroy()
}

// With in-flight transactions registered against a node, Destroy must
// deliver ABORTED to every completion exactly once and return promptly.
func Test_ShutdownDrain(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// The server handler outlasts the client's short peer timeout, so
	// every issued transaction is still in flight when teardown begins.
	hold := make(chan struct{})
	server, serverAddr := test.NewLoopbackNode(t, test.IDAt(0x80), func(wire.CommandHeader, []byte) ([]byte, int32) {
		<-hold
		return nil, 0
	})
	client, _ := test.NewLoopbackNodeWithTimeout(t, test.IDAt(0x10), nil, 100*time.Millisecond)
	test.DialPeer(t, client, serverAddr)

	const inFlight = 25
	var mu sync.Mutex
	var completions int
	var wg sync.WaitGroup
	wg.Add(inFlight)

	for i := 0; i < inFlight; i++ {
		completion := func(h wire.CommandHeader, data []byte) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			completions++
			if h.Status != int32(core.StatusAborted) {
				t.Errorf("expected ABORTED status, got %d", h.Status)
			}
		}
		cmd := wire.CommandHeader{ID: test.IDAt(0x80)}
		if _, err := client.Issue(cmd, nil, completion, nil); err != nil {
			t.Fatalf("issue %d failed: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		client.Destroy()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("Destroy did not return in time")
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("not all completions observed")
	}

	mu.Lock()
	finalCount := completions
	mu.Unlock()
	if finalCount != inFlight {
		t.Fatalf("expected %d completions, got %d", inFlight, finalCount)
	}

	close(hold)
	server.Destroy()
}
