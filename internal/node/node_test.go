package node

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/config"
	"github.com/JeyyM/CSNETWK-MP/internal/event"
	"github.com/JeyyM/CSNETWK-MP/internal/protocol"
	"github.com/JeyyM/CSNETWK-MP/internal/token"
	"github.com/JeyyM/CSNETWK-MP/internal/transport"
)

type reliableSend struct {
	frame   *protocol.Frame
	ip      string
	lane    string
	window  int
	resolve func(error)
}

type sentFrame struct {
	frame *protocol.Frame
	ip    string
}

type sentAck struct {
	id string
	ip string
}

// fakeWire records outbound traffic and lets tests resolve reliable
// deliveries by hand.
type fakeWire struct {
	mu         sync.Mutex
	broadcasts []*protocol.Frame
	sends      []sentFrame
	acks       []sentAck
	reliable   []reliableSend
	packets    chan transport.Packet
}

func newFakeWire() *fakeWire {
	return &fakeWire{packets: make(chan transport.Packet, 16)}
}

func (w *fakeWire) Broadcast(f *protocol.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcasts = append(w.broadcasts, f)
	return nil
}

func (w *fakeWire) Send(f *protocol.Frame, ip string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sends = append(w.sends, sentFrame{f, ip})
	return nil
}

func (w *fakeWire) SendAck(messageID, ip string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acks = append(w.acks, sentAck{messageID, ip})
	return nil
}

func (w *fakeWire) SendReliable(f *protocol.Frame, ip, lane string, maxInflight int) (*transport.Delivery, error) {
	d, resolve := transport.NewLocalDelivery(f.Get(protocol.KeyMessageID))
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reliable = append(w.reliable, reliableSend{f, ip, lane, maxInflight, resolve})
	return d, nil
}

func (w *fakeWire) HandleAck(string) bool { return false }

func (w *fakeWire) Packets() <-chan transport.Packet { return w.packets }

func (w *fakeWire) reliableCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.reliable)
}

func (w *fakeWire) reliableAt(i int) reliableSend {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reliable[i]
}

func (w *fakeWire) ackCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.acks)
}

func (w *fakeWire) lastSend() (sentFrame, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.sends) == 0 {
		return sentFrame{}, false
	}
	return w.sends[len(w.sends)-1], true
}

func (w *fakeWire) broadcastOfType(typ string) (*protocol.Frame, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.broadcasts) - 1; i >= 0; i-- {
		if w.broadcasts[i].Type == typ {
			return w.broadcasts[i], true
		}
	}
	return nil, false
}

const (
	selfIP = "192.168.1.10"
	bobIP  = "192.168.1.11"
	bob    = "bob@" + bobIP
	carol  = "carol@192.168.1.12"
)

func newTestNode(t *testing.T, mutate ...func(*config.Config)) (*Node, *fakeWire) {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Name = "alice"
	cfg.Files.DownloadDir = t.TempDir()
	cfg.Proto.OfferTimeout = config.Duration(200 * time.Millisecond)
	for _, m := range mutate {
		m(cfg)
	}
	w := newFakeWire()
	n, err := New(cfg, selfIP, w)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n, w
}

// deliver encodes f and runs it through the router as if it arrived
// from srcIP.
func deliver(t *testing.T, n *Node, f *protocol.Frame, srcIP string) {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("encode %s: %v", f.Type, err)
	}
	n.handlePacket(transport.Packet{
		Data: data,
		Addr: &net.UDPAddr{IP: net.ParseIP(srcIP), Port: 50999},
	})
}

func peerToken(user, scope string) string {
	return token.Mint(user, scope, time.Hour, time.Now()).String()
}

func chatFrom(user, text string) *protocol.Frame {
	f := protocol.New(protocol.TypeChat).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyFrom, user).
		Set(protocol.KeyTo, "alice@"+selfIP).
		Set(protocol.KeyToken, peerToken(user, protocol.ScopeChat))
	f.Body = []byte(text)
	return f
}

func drainEvents(n *Node) []event.Event {
	var out []event.Event
	for {
		select {
		case e := <-n.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

// waitFor polls cond for up to two seconds, for outcomes produced by
// watcher goroutines.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestChatDeliveredAndAcked(t *testing.T) {
	n, w := newTestNode(t)
	deliver(t, n, chatFrom(bob, "hi alice"), bobIP)

	events := drainEvents(n)
	if len(events) != 2 {
		t.Fatalf("got %d events, want peer_added then dm_received", len(events))
	}
	if events[0].Type != event.PeerAdded || events[0].Peer != bob {
		t.Fatalf("first event = %+v, want peer_added for %s", events[0], bob)
	}
	if events[1].Type != event.DMReceived || events[1].Text != "hi alice" {
		t.Fatalf("second event = %+v, want dm_received", events[1])
	}
	if w.ackCount() != 1 {
		t.Fatalf("acks = %d, want 1", w.ackCount())
	}
	log := n.Conversations.Snapshot(bob)
	if len(log) != 1 || log[0].Direction != "in" || log[0].Text != "hi alice" {
		t.Fatalf("conversation = %+v", log)
	}
}

func TestDuplicateChatSuppressedButReacked(t *testing.T) {
	n, w := newTestNode(t)
	f := chatFrom(bob, "once")
	deliver(t, n, f, bobIP)
	deliver(t, n, f, bobIP)

	if got := len(n.Conversations.Snapshot(bob)); got != 1 {
		t.Fatalf("conversation entries = %d, want 1", got)
	}
	// Both arrivals are acked so the sender stops retransmitting.
	if w.ackCount() != 2 {
		t.Fatalf("acks = %d, want 2", w.ackCount())
	}
	if m := n.MetricsSnapshot(); m.Duplicate != 1 {
		t.Fatalf("duplicate drops = %d, want 1", m.Duplicate)
	}
}

func TestSpoofedSourceDropped(t *testing.T) {
	n, w := newTestNode(t)
	deliver(t, n, chatFrom(bob, "hello"), "192.168.1.99")

	if got := len(drainEvents(n)); got != 0 {
		t.Fatalf("events = %d, want 0", got)
	}
	if w.ackCount() != 0 {
		t.Fatalf("spoofed frame was acked")
	}
	if m := n.MetricsSnapshot(); m.SpoofedSource != 1 {
		t.Fatalf("spoofed drops = %d, want 1", m.SpoofedSource)
	}
}

func TestWrongScopeTokenRejected(t *testing.T) {
	n, _ := newTestNode(t)
	f := chatFrom(bob, "hello")
	f.Set(protocol.KeyToken, peerToken(bob, protocol.ScopePresence))
	deliver(t, n, f, bobIP)

	if m := n.MetricsSnapshot(); m.Unauthorized != 1 {
		t.Fatalf("unauthorized drops = %d, want 1", m.Unauthorized)
	}
}

func TestOwnBroadcastIgnored(t *testing.T) {
	n, _ := newTestNode(t)
	self := "alice@" + selfIP
	f := protocol.New(protocol.TypePing).
		Set(protocol.KeyUserID, self).
		Set(protocol.KeyToken, peerToken(self, protocol.ScopePresence))
	deliver(t, n, f, selfIP)

	if got := len(drainEvents(n)); got != 0 {
		t.Fatalf("events = %d, want 0", got)
	}
	if m := n.MetricsSnapshot(); m.Self != 1 {
		t.Fatalf("self drops = %d, want 1", m.Self)
	}
}

func TestUnknownTypeDropped(t *testing.T) {
	n, _ := newTestNode(t)
	deliver(t, n, protocol.New("GOSSIP").Set(protocol.KeyFrom, bob), bobIP)
	if m := n.MetricsSnapshot(); m.UnknownType != 1 {
		t.Fatalf("unknown type drops = %d, want 1", m.UnknownType)
	}
}

func TestMissingHeaderDropped(t *testing.T) {
	n, _ := newTestNode(t)
	f := chatFrom(bob, "x")
	f.Headers = f.Headers[:1] // TYPE only
	deliver(t, n, f, bobIP)
	if m := n.MetricsSnapshot(); m.Malformed != 1 {
		t.Fatalf("malformed drops = %d, want 1", m.Malformed)
	}
}

func TestSendChatLifecycle(t *testing.T) {
	n, w := newTestNode(t)
	id, err := n.SendChat(bob, "hey bob")
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if w.reliableCount() != 1 {
		t.Fatalf("reliable sends = %d, want 1", w.reliableCount())
	}
	rs := w.reliableAt(0)
	if rs.lane != transport.LaneChat || rs.ip != bobIP {
		t.Fatalf("sent via lane %q to %q", rs.lane, rs.ip)
	}
	if got := rs.frame.Get(protocol.KeyMessageID); got != id {
		t.Fatalf("frame id = %q, want %q", got, id)
	}
	log := n.Conversations.Snapshot(bob)
	if len(log) != 1 || log[0].Delivery != event.DeliveryPending {
		t.Fatalf("pending entry missing: %+v", log)
	}

	rs.resolve(nil)
	waitFor(t, func() bool {
		log := n.Conversations.Snapshot(bob)
		return len(log) == 1 && log[0].Delivery == event.DeliveryAcked
	})
}

func TestSendChatFailureMarksFailed(t *testing.T) {
	n, w := newTestNode(t)
	if _, err := n.SendChat(bob, "anyone there"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	w.reliableAt(0).resolve(transport.ErrDeliveryFailed)
	waitFor(t, func() bool {
		log := n.Conversations.Snapshot(bob)
		return len(log) == 1 && log[0].Delivery == event.DeliveryFailed
	})
}

func TestProfileUpdatesRegistry(t *testing.T) {
	n, _ := newTestNode(t)
	f := protocol.New(protocol.TypeProfile).
		Set(protocol.KeyUserID, bob).
		Set(protocol.KeyDisplayName, "Bobby").
		Set(protocol.KeyStatus, "away").
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, peerToken(bob, protocol.ScopeBroadcast))
	deliver(t, n, f, bobIP)

	p, ok := n.Registry.Peer(bob)
	if !ok || p.DisplayName != "Bobby" || p.Status != "away" {
		t.Fatalf("peer = %+v", p)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	n, w := newTestNode(t)
	f := protocol.New(protocol.TypePing).
		Set(protocol.KeyUserID, bob).
		Set(protocol.KeyToken, peerToken(bob, protocol.ScopePresence))
	deliver(t, n, f, bobIP)

	sent, ok := w.lastSend()
	if !ok || sent.frame.Type != protocol.TypePong {
		t.Fatalf("no PONG sent")
	}
	if sent.ip != bobIP || sent.frame.Get(protocol.KeyTo) != bob {
		t.Fatalf("PONG to %q at %q", sent.frame.Get(protocol.KeyTo), sent.ip)
	}
}

func TestRevokeDeactivatesPeerAndTokens(t *testing.T) {
	n, _ := newTestNode(t)
	oldToken := peerToken(bob, protocol.ScopeChat)
	first := chatFrom(bob, "before")
	first.Set(protocol.KeyToken, oldToken)
	deliver(t, n, first, bobIP)
	drainEvents(n)

	deliver(t, n, protocol.New(protocol.TypeRevoke).Set(protocol.KeyUserID, bob), bobIP)

	if p, _ := n.Registry.Peer(bob); p.Active {
		t.Fatalf("peer still active after revoke")
	}
	events := drainEvents(n)
	if len(events) != 1 || events[0].Type != event.PeerUpdated || events[0].Active == nil || *events[0].Active {
		t.Fatalf("events = %+v, want inactive peer_updated", events)
	}

	// Tokens minted before the revocation are dead.
	replay := chatFrom(bob, "after")
	replay.Set(protocol.KeyToken, oldToken)
	deliver(t, n, replay, bobIP)
	if m := n.MetricsSnapshot(); m.Unauthorized != 1 {
		t.Fatalf("unauthorized drops = %d, want 1", m.Unauthorized)
	}

	// A rejoin with a freshly minted token is fine.
	fresh := chatFrom(bob, "rejoined")
	fresh.Set(protocol.KeyToken, token.Mint(bob, protocol.ScopeChat, time.Hour, time.Now().Add(time.Second)).String())
	deliver(t, n, fresh, bobIP)
	if got := len(n.Conversations.Snapshot(bob)); got != 2 {
		t.Fatalf("conversation entries = %d, want 2", got)
	}
}

func TestPostAndLikeFlow(t *testing.T) {
	n, _ := newTestNode(t)
	postID := protocol.NewMessageID()
	post := protocol.New(protocol.TypePost).
		Set(protocol.KeyPostID, postID).
		Set(protocol.KeyFrom, bob).
		SetInt(protocol.KeyTimestamp, time.Now().Unix()).
		SetInt(protocol.KeyTTL, 3600).
		Set(protocol.KeyToken, peerToken(bob, protocol.ScopeBroadcast))
	post.Body = []byte("first post")
	deliver(t, n, post, bobIP)

	like := protocol.New(protocol.TypeLike).
		Set(protocol.KeyPostID, postID).
		Set(protocol.KeyFrom, carol).
		Set(protocol.KeyAction, protocol.ActionLike).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, peerToken(carol, protocol.ScopeBroadcast))
	deliver(t, n, like, "192.168.1.12")

	view, ok := n.Timeline.Get(postID)
	if !ok || len(view.Likes) != 1 || view.Likes[0] != carol {
		t.Fatalf("post view = %+v", view)
	}

	unlike := protocol.New(protocol.TypeLike).
		Set(protocol.KeyPostID, postID).
		Set(protocol.KeyFrom, carol).
		Set(protocol.KeyAction, protocol.ActionUnlike).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, peerToken(carol, protocol.ScopeBroadcast))
	deliver(t, n, unlike, "192.168.1.12")

	view, _ = n.Timeline.Get(postID)
	if len(view.Likes) != 0 {
		t.Fatalf("likes after unlike = %v", view.Likes)
	}
}

func TestExpiredPostDroppedOnArrival(t *testing.T) {
	n, _ := newTestNode(t)
	post := protocol.New(protocol.TypePost).
		Set(protocol.KeyPostID, protocol.NewMessageID()).
		Set(protocol.KeyFrom, bob).
		SetInt(protocol.KeyTimestamp, time.Now().Add(-2*time.Hour).Unix()).
		SetInt(protocol.KeyTTL, 60).
		Set(protocol.KeyToken, peerToken(bob, protocol.ScopeBroadcast))
	post.Body = []byte("stale news")
	deliver(t, n, post, bobIP)

	if n.Timeline.Len() != 0 {
		t.Fatalf("expired post stored")
	}
	if m := n.MetricsSnapshot(); m.Expired != 1 {
		t.Fatalf("expired drops = %d, want 1", m.Expired)
	}
}

func TestFollowFilterOnTimeline(t *testing.T) {
	n, _ := newTestNode(t)
	for _, author := range []string{bob, carol} {
		f := protocol.New(protocol.TypePost).
			Set(protocol.KeyPostID, protocol.NewMessageID()).
			Set(protocol.KeyFrom, author).
			SetInt(protocol.KeyTimestamp, time.Now().Unix()).
			Set(protocol.KeyToken, peerToken(author, protocol.ScopeBroadcast))
		f.Body = []byte("post by " + author)
		deliver(t, n, f, protocol.UserIDHost(author))
	}
	n.Follows.SetFollowing(bob, true)

	if got := len(n.Posts(false)); got != 2 {
		t.Fatalf("all posts = %d, want 2", got)
	}
	followed := n.Posts(true)
	if len(followed) != 1 || followed[0].Author != bob {
		t.Fatalf("followed posts = %+v", followed)
	}
}

func TestFollowFrameUpdatesFollowers(t *testing.T) {
	n, _ := newTestNode(t)
	f := protocol.New(protocol.TypeFollow).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyFrom, bob).
		Set(protocol.KeyTo, "alice@"+selfIP).
		Set(protocol.KeyToken, peerToken(bob, protocol.ScopeFollow))
	deliver(t, n, f, bobIP)

	if got := n.Follows.Followers(); len(got) != 1 || got[0] != bob {
		t.Fatalf("followers = %v", got)
	}
	events := drainEvents(n)
	last := events[len(events)-1]
	if last.Type != event.FollowReceived || last.Action != "FOLLOW" {
		t.Fatalf("last event = %+v", last)
	}
}

func TestGroupUpdateRules(t *testing.T) {
	n, _ := newTestNode(t)
	groupID := "g1234567"
	update := func(creator, name, members string, ts int64) *protocol.Frame {
		return protocol.New(protocol.TypeGroupUpdate).
			Set(protocol.KeyGroupID, groupID).
			Set(protocol.KeyName, name).
			Set(protocol.KeyCreator, creator).
			Set(protocol.KeyMembers, members).
			SetInt(protocol.KeyTimestamp, ts).
			Set(protocol.KeyMessageID, protocol.NewMessageID()).
			Set(protocol.KeyToken, peerToken(creator, protocol.ScopeBroadcast))
	}

	deliver(t, n, update(bob, "lanparty", bob+",alice@"+selfIP, 100), bobIP)
	g, ok := n.Groups.Get(groupID)
	if !ok || g.Creator != bob || len(g.Members) != 2 {
		t.Fatalf("group = %+v", g)
	}

	// A non-creator cannot take the group over.
	deliver(t, n, update(carol, "stolen", carol, 200), "192.168.1.12")
	if g, _ = n.Groups.Get(groupID); g.Creator != bob || g.Name != "lanparty" {
		t.Fatalf("group hijacked: %+v", g)
	}

	// Stale creator updates lose last-writer-wins.
	deliver(t, n, update(bob, "older", bob, 50), bobIP)
	if g, _ = n.Groups.Get(groupID); g.Name != "lanparty" {
		t.Fatalf("stale update applied: %+v", g)
	}

	// Newer ones replace the full member list.
	deliver(t, n, update(bob, "lanparty2", bob+","+carol, 300), bobIP)
	g, _ = n.Groups.Get(groupID)
	if g.Name != "lanparty2" || len(g.Members) != 2 {
		t.Fatalf("update not applied: %+v", g)
	}
}

func TestGroupChatMembershipEnforced(t *testing.T) {
	n, _ := newTestNode(t)
	self := "alice@" + selfIP
	deliver(t, n, protocol.New(protocol.TypeGroupUpdate).
		Set(protocol.KeyGroupID, "g1").
		Set(protocol.KeyName, "trio").
		Set(protocol.KeyCreator, bob).
		Set(protocol.KeyMembers, bob+","+self).
		SetInt(protocol.KeyTimestamp, 100).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, peerToken(bob, protocol.ScopeBroadcast)), bobIP)
	drainEvents(n)

	send := func(from, fromIP string) {
		f := protocol.New(protocol.TypeGroupChat).
			Set(protocol.KeyMessageID, protocol.NewMessageID()).
			Set(protocol.KeyGroupID, "g1").
			Set(protocol.KeyFrom, from).
			Set(protocol.KeyTo, self).
			Set(protocol.KeyToken, peerToken(from, protocol.ScopeChat))
		f.Body = []byte("yo")
		deliver(t, n, f, fromIP)
	}

	send(bob, bobIP)
	if got := len(n.Groups.Messages("g1")); got != 1 {
		t.Fatalf("messages = %d, want 1", got)
	}

	// carol is not on the member list.
	send(carol, "192.168.1.12")
	if got := len(n.Groups.Messages("g1")); got != 1 {
		t.Fatalf("non-member message stored")
	}
	m := n.MetricsSnapshot()
	if m.Violation != 1 {
		t.Fatalf("violation drops = %d, want 1", m.Violation)
	}
}

func TestGroupChatFanOutSharesMessageID(t *testing.T) {
	n, w := newTestNode(t)
	groupID, err := n.CreateGroup("pals", []string{bob, carol})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, ok := w.broadcastOfType(protocol.TypeGroupUpdate); !ok {
		t.Fatalf("no GROUP_UPDATE broadcast")
	}

	id, err := n.SendGroupChat(groupID, "meeting at 9")
	if err != nil {
		t.Fatalf("SendGroupChat: %v", err)
	}
	if w.reliableCount() != 2 {
		t.Fatalf("fan-out sends = %d, want 2", w.reliableCount())
	}
	tos := map[string]bool{}
	for i := 0; i < 2; i++ {
		rs := w.reliableAt(i)
		if got := rs.frame.Get(protocol.KeyMessageID); got != id {
			t.Fatalf("fan-out frame id = %q, want shared %q", got, id)
		}
		tos[rs.frame.Get(protocol.KeyTo)] = true
	}
	if !tos[bob] || !tos[carol] {
		t.Fatalf("fan-out targets = %v", tos)
	}

	// One ack is enough for the aggregate to count as delivered.
	w.reliableAt(0).resolve(nil)
	w.reliableAt(1).resolve(transport.ErrDeliveryFailed)
	waitFor(t, func() bool {
		msgs := n.Groups.Messages(groupID)
		return len(msgs) == 1 && msgs[0].Delivery == event.DeliveryAcked
	})
}

func TestSweepEmitsPeerLifecycle(t *testing.T) {
	n, _ := newTestNode(t)
	deliver(t, n, chatFrom(bob, "hi"), bobIP)
	drainEvents(n)

	// Past the staleness threshold the peer flips inactive.
	n.sweep(time.Now().Add(n.cfg.Proto.StaleThreshold.Std() + time.Second))
	events := drainEvents(n)
	if len(events) != 1 || events[0].Type != event.PeerUpdated || *events[0].Active {
		t.Fatalf("events = %+v, want stale peer_updated", events)
	}

	// Past the eviction threshold it is forgotten.
	n.sweep(time.Now().Add(n.cfg.Proto.EvictThreshold.Std() + time.Second))
	events = drainEvents(n)
	if len(events) != 1 || events[0].Type != event.PeerRemoved {
		t.Fatalf("events = %+v, want peer_removed", events)
	}
	if n.Registry.Known(bob) {
		t.Fatalf("peer still known after eviction")
	}
}
