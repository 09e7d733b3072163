package core

import (
	"testing"
	"time"
)

func TestConversationAppendAndSnapshot(t *testing.T) {
	c := NewConversations()
	now := time.Unix(1_700_000_000, 0)
	c.Append("bob@10.0.0.2", ChatEntry{MessageID: "m1", Direction: DirOut, Text: "hi", TS: now, Delivery: "pending"})
	c.Append("bob@10.0.0.2", ChatEntry{MessageID: "m2", Direction: DirIn, Text: "hello", TS: now.Add(time.Second)})

	log := c.Snapshot("bob@10.0.0.2")
	if len(log) != 2 {
		t.Fatalf("len = %d, want 2", len(log))
	}
	if log[0].MessageID != "m1" || log[1].MessageID != "m2" {
		t.Fatalf("order = %s, %s", log[0].MessageID, log[1].MessageID)
	}
	if log[1].Delivery != "" {
		t.Fatalf("inbound entry has delivery %q", log[1].Delivery)
	}

	// The snapshot is a copy.
	log[0].Text = "mutated"
	if c.Snapshot("bob@10.0.0.2")[0].Text != "hi" {
		t.Fatal("snapshot mutation leaked into the store")
	}
}

func TestSetDeliveryTargetsOutboundOnly(t *testing.T) {
	c := NewConversations()
	// An inbound entry can share an id with an outbound one; delivery
	// state must land on the outbound entry.
	c.Append("bob@10.0.0.2", ChatEntry{MessageID: "m1", Direction: DirIn, Text: "echo"})
	c.Append("bob@10.0.0.2", ChatEntry{MessageID: "m1", Direction: DirOut, Text: "hi", Delivery: "pending"})

	if !c.SetDelivery("bob@10.0.0.2", "m1", "acked") {
		t.Fatal("outbound entry not found")
	}
	log := c.Snapshot("bob@10.0.0.2")
	if log[0].Delivery != "" {
		t.Fatalf("inbound entry updated: %q", log[0].Delivery)
	}
	if log[1].Delivery != "acked" {
		t.Fatalf("outbound delivery = %q, want acked", log[1].Delivery)
	}
}

func TestSetDeliveryUnknownMessage(t *testing.T) {
	c := NewConversations()
	c.Append("bob@10.0.0.2", ChatEntry{MessageID: "m1", Direction: DirOut})
	if c.SetDelivery("bob@10.0.0.2", "ghost", "acked") {
		t.Fatal("unknown id should report false")
	}
	if c.SetDelivery("carol@10.0.0.3", "m1", "acked") {
		t.Fatal("wrong peer should report false")
	}
}

func TestConversationPeersSorted(t *testing.T) {
	c := NewConversations()
	c.Append("carol@10.0.0.3", ChatEntry{MessageID: "m1", Direction: DirIn})
	c.Append("alice@10.0.0.1", ChatEntry{MessageID: "m2", Direction: DirIn})
	c.Append("bob@10.0.0.2", ChatEntry{MessageID: "m3", Direction: DirIn})

	peers := c.Peers()
	want := []string{"alice@10.0.0.1", "bob@10.0.0.2", "carol@10.0.0.3"}
	if len(peers) != len(want) {
		t.Fatalf("peers = %v", peers)
	}
	for i := range want {
		if peers[i] != want[i] {
			t.Fatalf("peers[%d] = %s, want %s", i, peers[i], want[i])
		}
	}
}
