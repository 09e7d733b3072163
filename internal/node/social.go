package node

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/core"
	"github.com/JeyyM/CSNETWK-MP/internal/event"
	"github.com/JeyyM/CSNETWK-MP/internal/protocol"
	"github.com/JeyyM/CSNETWK-MP/internal/transport"
)

var (
	ErrEmptyText   = errors.New("empty message text")
	ErrUnknownPost = errors.New("unknown post")
)

// SendChat sends a direct message and returns its message id. Delivery
// runs in the background; the conversation log and a dm_delivery_changed
// event record the outcome.
func (n *Node) SendChat(peer, text string) (string, error) {
	if text == "" {
		return "", ErrEmptyText
	}
	_, ip, err := protocol.ParseUserID(peer)
	if err != nil {
		return "", fmt.Errorf("recipient: %w", err)
	}
	now := n.now()
	id := protocol.NewMessageID()
	f := protocol.New(protocol.TypeChat).
		Set(protocol.KeyMessageID, id).
		Set(protocol.KeyFrom, n.self).
		Set(protocol.KeyTo, peer).
		SetInt(protocol.KeyTimestamp, now.Unix()).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopeChat))
	f.Body = []byte(text)

	n.Conversations.Append(peer, core.ChatEntry{
		MessageID: id,
		Direction: core.DirOut,
		Text:      text,
		TS:        now,
		Delivery:  event.DeliveryPending,
	})
	d, err := n.tr.SendReliable(f, ip, transport.LaneChat, 1)
	if err != nil {
		n.Conversations.SetDelivery(peer, id, event.DeliveryFailed)
		return "", err
	}
	go n.watchChatDelivery(peer, id, d)
	return id, nil
}

func (n *Node) watchChatDelivery(peer, id string, d *transport.Delivery) {
	state := event.DeliveryAcked
	if err := d.Wait(n.runCtx()); err != nil {
		state = event.DeliveryFailed
	}
	n.Conversations.SetDelivery(peer, id, state)
	n.bus.Emit(event.Event{
		Type:      event.DMDeliveryChanged,
		TS:        n.now().Unix(),
		Peer:      peer,
		MessageID: id,
		Delivery:  state,
	})
}

func (n *Node) handleChat(f *protocol.Frame, sender string, now time.Time) {
	text := string(f.Body)
	ts := headerTime(f, protocol.KeyTimestamp, now)
	n.Conversations.Append(sender, core.ChatEntry{
		MessageID: f.Get(protocol.KeyMessageID),
		Direction: core.DirIn,
		Text:      text,
		TS:        ts,
	})
	n.bus.Emit(event.Event{
		Type:      event.DMReceived,
		TS:        ts.Unix(),
		Peer:      sender,
		MessageID: f.Get(protocol.KeyMessageID),
		Text:      text,
	})
}

// Post broadcasts a timeline post and mirrors it locally. Posts expire
// after the configured TTL everywhere.
func (n *Node) Post(text string) (string, error) {
	if text == "" {
		return "", ErrEmptyText
	}
	now := n.now()
	ttl := n.cfg.Proto.PostTTL.Std()
	id := protocol.NewMessageID()
	f := protocol.New(protocol.TypePost).
		Set(protocol.KeyPostID, id).
		Set(protocol.KeyFrom, n.self).
		SetInt(protocol.KeyTimestamp, now.Unix()).
		SetInt(protocol.KeyTTL, int64(ttl.Seconds())).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopeBroadcast))
	f.Body = []byte(text)
	if err := n.tr.Broadcast(f); err != nil {
		return "", err
	}
	n.Timeline.Add(id, n.self, text, now, now.Add(ttl), now)
	n.bus.Emit(event.Event{
		Type:   event.PostReceived,
		TS:     now.Unix(),
		PostID: id,
		Author: n.self,
		Text:   text,
	})
	return id, nil
}

func (n *Node) handlePost(f *protocol.Frame, sender string, now time.Time) {
	ts := headerTime(f, protocol.KeyTimestamp, now)
	ttl := n.cfg.Proto.PostTTL.Std()
	if v, err := strconv.ParseInt(f.Get(protocol.KeyTTL), 10, 64); err == nil && v > 0 {
		ttl = time.Duration(v) * time.Second
	}
	id := f.Get(protocol.KeyPostID)
	if !n.Timeline.Add(id, sender, string(f.Body), ts, ts.Add(ttl), now) {
		n.drop(&n.drops.Expired, "expired_post", f, nil)
		return
	}
	n.bus.Emit(event.Event{
		Type:   event.PostReceived,
		TS:     ts.Unix(),
		PostID: id,
		Author: sender,
		Text:   string(f.Body),
	})
}

// Like records and broadcasts a like (or unlike) of a known post.
// Re-liking an already liked post is a no-op and sends nothing.
func (n *Node) Like(postID string, unlike bool) error {
	found, changed := n.Timeline.Like(postID, n.self, unlike)
	if !found {
		return ErrUnknownPost
	}
	if !changed {
		return nil
	}
	action := protocol.ActionLike
	if unlike {
		action = protocol.ActionUnlike
	}
	now := n.now()
	f := protocol.New(protocol.TypeLike).
		Set(protocol.KeyPostID, postID).
		Set(protocol.KeyFrom, n.self).
		Set(protocol.KeyAction, action).
		SetInt(protocol.KeyTimestamp, now.Unix()).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopeBroadcast))
	if err := n.tr.Broadcast(f); err != nil {
		return err
	}
	n.bus.Emit(event.Event{
		Type:   event.LikeReceived,
		TS:     now.Unix(),
		PostID: postID,
		Peer:   n.self,
		Action: action,
	})
	return nil
}

func (n *Node) handleLike(f *protocol.Frame, sender string, now time.Time) {
	action := f.Get(protocol.KeyAction)
	if action == "" {
		action = protocol.ActionLike
	}
	postID := f.Get(protocol.KeyPostID)
	found, changed := n.Timeline.Like(postID, sender, action == protocol.ActionUnlike)
	if !found {
		n.drop(&n.drops.UnknownSession, "unknown_post", f, nil)
		return
	}
	if !changed {
		return
	}
	n.bus.Emit(event.Event{
		Type:   event.LikeReceived,
		TS:     headerTime(f, protocol.KeyTimestamp, now).Unix(),
		PostID: postID,
		Peer:   sender,
		Action: action,
	})
}

// Follow subscribes to peer's posts and tells them so.
func (n *Node) Follow(peer string) error { return n.setFollow(peer, true) }

// Unfollow reverses Follow.
func (n *Node) Unfollow(peer string) error { return n.setFollow(peer, false) }

func (n *Node) setFollow(peer string, on bool) error {
	_, ip, err := protocol.ParseUserID(peer)
	if err != nil {
		return fmt.Errorf("peer: %w", err)
	}
	if !n.Follows.SetFollowing(peer, on) {
		return nil
	}
	typ := protocol.TypeFollow
	if !on {
		typ = protocol.TypeUnfollow
	}
	f := protocol.New(typ).
		Set(protocol.KeyMessageID, protocol.NewMessageID()).
		Set(protocol.KeyFrom, n.self).
		Set(protocol.KeyTo, peer).
		SetInt(protocol.KeyTimestamp, n.now().Unix()).
		Set(protocol.KeyToken, n.mintToken(protocol.ScopeFollow))
	d, err := n.tr.SendReliable(f, ip, transport.LaneControl, 1)
	if err != nil {
		return err
	}
	go func() {
		if err := d.Wait(n.runCtx()); err != nil {
			n.bus.Emit(event.Event{
				Type:   event.VerboseLog,
				TS:     n.now().Unix(),
				Reason: "follow_undelivered",
				Detail: peer,
			})
		}
	}()
	return nil
}

func (n *Node) handleFollow(sender string, on bool, now time.Time) {
	if !n.Follows.SetFollower(sender, on) {
		return
	}
	action := "FOLLOW"
	if !on {
		action = "UNFOLLOW"
	}
	n.bus.Emit(event.Event{
		Type:   event.FollowReceived,
		TS:     now.Unix(),
		Peer:   sender,
		Action: action,
	})
}

// headerTime reads a unix-seconds header, falling back to now.
func headerTime(f *protocol.Frame, key string, now time.Time) time.Time {
	if v, err := strconv.ParseInt(f.Get(key), 10, 64); err == nil && v > 0 {
		return time.Unix(v, 0)
	}
	return now
}
