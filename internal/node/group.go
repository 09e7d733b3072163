package node

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/core"
	"github.com/JeyyM/CSNETWK-MP/internal/event"
	"github.com/JeyyM/CSNETWK-MP/internal/protocol"
	"github.com/JeyyM/CSNETWK-MP/internal/transport"
)

var (
	ErrUnknownGroup = errors.New("unknown group")
	ErrNotMember    = errors.New("not a group member")
)

// CreateGroup announces a new group with the local user as creator. The
// creator is always a member. It returns the new group id.
func (n *Node) CreateGroup(name string, members []string) (string, error) {
	if name == "" {
		return "", errors.New("empty group name")
	}
	list, err := normalizeMembers(members, n.self)
	if err != nil {
		return "", err
	}
	now := n.now()
	groupID := protocol.NewMessageID()
	n.Groups.Apply(groupID, name, n.self, list, now.Unix())
	n.broadcastGroup(groupID)
	n.emitGroupUpdated(groupID, now)
	return groupID, nil
}

// UpdateGroup changes the name or membership of a group the local user
// created. add and remove hold UserIDs; the creator cannot be removed.
func (n *Node) UpdateGroup(groupID, name string, add, remove []string) error {
	view, ok := n.Groups.Get(groupID)
	if !ok {
		return ErrUnknownGroup
	}
	if view.Creator != n.self {
		return core.ErrNotCreator
	}
	members := make(map[string]bool, len(view.Members))
	for _, m := range view.Members {
		members[m] = true
	}
	for _, m := range add {
		if _, _, err := protocol.ParseUserID(m); err != nil {
			return fmt.Errorf("member %q: %w", m, err)
		}
		members[m] = true
	}
	for _, m := range remove {
		if m != view.Creator {
			delete(members, m)
		}
	}
	list := make([]string, 0, len(members))
	for m := range members {
		list = append(list, m)
	}
	if name == "" {
		name = view.Name
	}
	// The creator's clock is the authority; nudge past the previous
	// update so same-second edits still win last-writer-wins.
	now := n.now()
	ts := now.Unix()
	if ts <= view.UpdatedAt {
		ts = view.UpdatedAt + 1
	}
	if _, _, err := n.Groups.Apply(groupID, name, n.self, list, ts); err != nil {
		return err
	}
	n.broadcastGroup(groupID)
	n.emitGroupUpdated(groupID, now)
	return nil
}

// broadcastGroup announces the group's current full state. Full-state
// updates keep late joiners consistent without any history exchange.
func (n *Node) broadcastGroup(groupID string) {
	view, ok := n.Groups.Get(groupID)
	if !ok {
		return
	}
	f := protocol.New(protocol.TypeGroupUpdate).
		Set(protocol.KeyGroupID, view.GroupID).
		Set(protocol.KeyName, view.Name).
		Set(protocol.KeyCreator, view.Creator).
		Set(protocol.KeyMembers, strings.Join(view.Members, ",")).
		SetInt(protocol.KeyTimestamp, view.UpdatedAt).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopeBroadcast))
	n.tr.Broadcast(f)
}

func (n *Node) emitGroupUpdated(groupID string, now time.Time) {
	view, ok := n.Groups.Get(groupID)
	if !ok {
		return
	}
	n.bus.Emit(event.Event{
		Type:      event.GroupUpdated,
		TS:        now.Unix(),
		GroupID:   view.GroupID,
		GroupName: view.Name,
		Peer:      view.Creator,
		Members:   view.Members,
	})
}

func (n *Node) handleGroupUpdate(f *protocol.Frame, sender string, now time.Time) {
	creator := f.Get(protocol.KeyCreator)
	if creator != sender {
		n.drop(&n.drops.Violation, "not_creator", f, nil)
		return
	}
	members := splitMembers(f.Get(protocol.KeyMembers))
	ts := headerTime(f, protocol.KeyTimestamp, now).Unix()
	applied, _, err := n.Groups.Apply(f.Get(protocol.KeyGroupID), f.Get(protocol.KeyName), creator, members, ts)
	if err != nil {
		n.drop(&n.drops.Violation, "not_creator", f, err)
		return
	}
	if !applied {
		// Stale timestamp, the mirror already has something newer.
		n.drops.Duplicate.Add(1)
		return
	}
	n.emitGroupUpdated(f.Get(protocol.KeyGroupID), now)
}

// SendGroupChat fans a message out to every other member, all frames
// sharing one message id. The log entry's delivery state aggregates the
// fan-out: acked as soon as any member acks, failed only if all fail.
func (n *Node) SendGroupChat(groupID, text string) (string, error) {
	if text == "" {
		return "", ErrEmptyText
	}
	view, ok := n.Groups.Get(groupID)
	if !ok {
		return "", ErrUnknownGroup
	}
	if !n.Groups.IsMember(groupID, n.self) {
		return "", ErrNotMember
	}
	now := n.now()
	id := protocol.NewMessageID()
	n.Groups.AppendMessage(groupID, core.GroupMessage{
		MessageID: id,
		From:      n.self,
		Text:      text,
		TS:        now,
		Delivery:  event.DeliveryPending,
	})

	var deliveries []*transport.Delivery
	for _, member := range view.Members {
		if member == n.self {
			continue
		}
		_, ip, err := protocol.ParseUserID(member)
		if err != nil {
			continue
		}
		f := protocol.New(protocol.TypeGroupChat).
			Set(protocol.KeyMessageID, id).
			Set(protocol.KeyGroupID, groupID).
			Set(protocol.KeyFrom, n.self).
			Set(protocol.KeyTo, member).
			SetInt(protocol.KeyTimestamp, now.Unix()).
			Set(protocol.KeyToken, n.mintToken(protocol.ScopeChat))
		f.Body = []byte(text)
		d, err := n.tr.SendReliable(f, ip, transport.LaneChat, 1)
		if err != nil {
			continue
		}
		deliveries = append(deliveries, d)
	}
	go n.watchGroupDelivery(groupID, id, deliveries)
	return id, nil
}

func (n *Node) watchGroupDelivery(groupID, id string, deliveries []*transport.Delivery) {
	acked := 0
	for _, d := range deliveries {
		if d.Wait(n.runCtx()) == nil {
			acked++
		}
	}
	state := event.DeliveryAcked
	if acked == 0 && len(deliveries) > 0 {
		state = event.DeliveryFailed
	}
	n.Groups.SetDelivery(groupID, id, state)
	n.bus.Emit(event.Event{
		Type:      event.DMDeliveryChanged,
		TS:        n.now().Unix(),
		GroupID:   groupID,
		MessageID: id,
		Delivery:  state,
	})
}

func (n *Node) handleGroupChat(f *protocol.Frame, sender string, now time.Time) {
	groupID := f.Get(protocol.KeyGroupID)
	if _, ok := n.Groups.Get(groupID); !ok {
		n.drop(&n.drops.UnknownSession, "unknown_group", f, nil)
		return
	}
	// Both ends must be on the current member list; a removed member's
	// late frames no longer belong in this group.
	if !n.Groups.IsMember(groupID, sender) || !n.Groups.IsMember(groupID, n.self) {
		n.drop(&n.drops.Violation, "not_member", f, nil)
		return
	}
	ts := headerTime(f, protocol.KeyTimestamp, now)
	n.Groups.AppendMessage(groupID, core.GroupMessage{
		MessageID: f.Get(protocol.KeyMessageID),
		From:      sender,
		Text:      string(f.Body),
		TS:        ts,
	})
	n.bus.Emit(event.Event{
		Type:      event.GroupMessageReceived,
		TS:        ts.Unix(),
		GroupID:   groupID,
		Peer:      sender,
		MessageID: f.Get(protocol.KeyMessageID),
		Text:      string(f.Body),
	})
}

// normalizeMembers validates the member list and guarantees self is on it.
func normalizeMembers(members []string, self string) ([]string, error) {
	seen := map[string]bool{self: true}
	out := []string{self}
	for _, m := range members {
		if seen[m] {
			continue
		}
		if _, _, err := protocol.ParseUserID(m); err != nil {
			return nil, fmt.Errorf("member %q: %w", m, err)
		}
		seen[m] = true
		out = append(out, m)
	}
	return out, nil
}

// splitMembers parses the comma-separated MEMBERS header.
func splitMembers(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
