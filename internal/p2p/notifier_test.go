package p2p

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// waitEvent reads events until one for id arrives.
func waitEvent(t *testing.T, ch <-chan PeerEvent, id peer.ID) PeerEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.ID == id {
				return ev
			}
		case <-timeout:
			t.Fatalf("no event for %s", shortID(id))
		}
	}
}

func TestConnNotifier_ReadyWithoutHandshake(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	eventsA := nodeA.SubscribePeers()
	eventsB := nodeB.SubscribePeers()

	connectNodes(t, nodeA, nodeB)

	if ev := waitEvent(t, eventsA, nodeB.host.ID()); !ev.Connected {
		t.Errorf("nodeA: unexpected event %+v", ev)
	}
	if ev := waitEvent(t, eventsB, nodeA.host.ID()); !ev.Connected {
		t.Errorf("nodeB: unexpected event %+v", ev)
	}

	ready := nodeA.ReadyPeers()
	if len(ready) != 1 || ready[0] != nodeB.host.ID().String() {
		t.Errorf("nodeA ready peers = %v", ready)
	}
	if !nodeB.isReady(nodeA.host.ID()) {
		t.Error("nodeB did not mark nodeA ready")
	}
}

func TestConnNotifier_InboundWaitsForHandshake(t *testing.T) {
	// A expects a handshake; B never sends one.
	nodeA := startHandshakeNode(t, handshakeGenesis, 5)
	nodeB := startTestNode(t)

	connectNodes(t, nodeA, nodeB)
	time.Sleep(300 * time.Millisecond)

	if nodeA.PeerCount() != 1 {
		t.Fatalf("nodeA peers = %d, want 1", nodeA.PeerCount())
	}
	if nodeA.ReadyCount() != 0 {
		t.Error("inbound peer marked ready without a handshake")
	}
	if !nodeB.isReady(nodeA.host.ID()) {
		t.Error("nodeB runs without a handshake and should be ready")
	}
}

func TestConnNotifier_DisconnectedEmitsGone(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	eventsB := nodeB.SubscribePeers()

	connectNodes(t, nodeA, nodeB)
	if ev := waitEvent(t, eventsB, nodeA.host.ID()); !ev.Connected {
		t.Fatalf("unexpected event %+v", ev)
	}

	for _, conn := range nodeB.host.Network().ConnsToPeer(nodeA.host.ID()) {
		conn.Close()
	}

	if ev := waitEvent(t, eventsB, nodeA.host.ID()); ev.Connected {
		t.Errorf("expected a gone event, got %+v", ev)
	}
	for _, p := range nodeB.PeerList() {
		if p.ID == nodeA.host.ID() {
			t.Error("nodeB should not have nodeA in PeerList after disconnect")
		}
	}
	if nodeB.ReadyCount() != 0 {
		t.Errorf("ReadyCount = %d after disconnect", nodeB.ReadyCount())
	}
}
