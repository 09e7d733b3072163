package node

import (
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/event"
	"github.com/JeyyM/CSNETWK-MP/internal/protocol"
)

// announceProfile broadcasts the local profile, including the avatar
// bytes when one is set.
func (n *Node) announceProfile() {
	n.mu.Lock()
	f := protocol.New(protocol.TypeProfile).
		Set(protocol.KeyUserID, n.self).
		Set(protocol.KeyDisplayName, n.displayName).
		Set(protocol.KeyStatus, n.status).
		SetInt(protocol.KeyTimestamp, n.now().Unix()).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopeBroadcast))
	if len(n.avatar) > 0 {
		f.Set(protocol.KeyAvatarType, n.avatarType)
		f.Body = n.avatar
	}
	n.mu.Unlock()
	n.tr.Broadcast(f)
}

// announcePing broadcasts the lightweight liveness probe.
func (n *Node) announcePing() {
	f := protocol.New(protocol.TypePing).
		Set(protocol.KeyUserID, n.self).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopePresence))
	n.tr.Broadcast(f)
}

// handlePing answers with a unicast PONG so the prober learns about us
// without waiting for our next broadcast.
func (n *Node) handlePing(sender, srcIP string) {
	pong := protocol.New(protocol.TypePong).
		Set(protocol.KeyUserID, n.self).
		Set(protocol.KeyTo, sender).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopePresence))
	n.tr.Send(pong, srcIP)
}

func (n *Node) handleProfile(f *protocol.Frame, sender string) {
	var avatar []byte
	avatarType := f.Get(protocol.KeyAvatarType)
	if avatarType != "" && len(f.Body) > 0 {
		avatar = f.Body
	}
	changed := n.Registry.SetProfile(sender,
		f.Get(protocol.KeyDisplayName), f.Get(protocol.KeyStatus), avatarType, avatar)
	if changed {
		n.bus.Emit(event.Event{
			Type:        event.PeerUpdated,
			TS:          n.now().Unix(),
			Peer:        sender,
			DisplayName: f.Get(protocol.KeyDisplayName),
			Status:      f.Get(protocol.KeyStatus),
		})
	}
}

// handleRevoke invalidates every live token the sender has issued and
// marks it inactive. A node that rejoins later simply mints fresh
// tokens; those are dated after the revocation and pass again.
func (n *Node) handleRevoke(sender string, now time.Time) {
	n.verifier.Revoke(sender, now)
	if _, ok := n.Registry.Deactivate(sender); ok {
		active := false
		n.bus.Emit(event.Event{Type: event.PeerUpdated, TS: now.Unix(), Peer: sender, Active: &active})
	}
}

// sweep ages everything driven by time rather than by frames.
func (n *Node) sweep(now time.Time) {
	wentStale, evicted := n.Registry.Sweep(now)
	for _, p := range wentStale {
		active := false
		n.bus.Emit(event.Event{Type: event.PeerUpdated, TS: now.Unix(), Peer: p.UserID, Active: &active})
	}
	for _, p := range evicted {
		n.bus.Emit(event.Event{Type: event.PeerRemoved, TS: now.Unix(), Peer: p.UserID})
	}
	n.Timeline.Sweep(now)
	n.sweepGames(now)
}
