package node

import (
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/event"
	"github.com/JeyyM/CSNETWK-MP/internal/protocol"
	"github.com/JeyyM/CSNETWK-MP/internal/transport"
)

// handlePacket runs every inbound datagram through the shared checks
// before any per-type handler sees it: decode, self filter, type and
// header validation, duplicate suppression, source address check,
// token verification, registry touch, then the ACK reply for frame
// types that require one. Rejections are counted, never answered.
func (n *Node) handlePacket(p transport.Packet) {
	f, err := protocol.Decode(p.Data)
	if err != nil {
		n.drop(&n.drops.Malformed, "malformed_frame", nil, err)
		return
	}
	now := n.now()
	srcIP := ""
	if p.Addr != nil && p.Addr.IP != nil {
		srcIP = p.Addr.IP.String()
	}
	sender := protocol.Sender(f)

	// Our own broadcasts loop back on the shared port.
	if sender == n.self {
		n.drops.Self.Add(1)
		return
	}

	if f.Type == protocol.TypeAck {
		id := f.Get(protocol.KeyMessageID)
		if id == "" {
			n.drop(&n.drops.Malformed, "malformed_frame", f, protocol.ErrMissingHeader)
			return
		}
		n.tr.HandleAck(id)
		n.handled.Add(1)
		return
	}

	rule, known := protocol.RuleFor(f.Type)
	if !known {
		n.drop(&n.drops.UnknownType, "unknown_type", f, nil)
		return
	}
	if err := protocol.Validate(f); err != nil {
		n.drop(&n.drops.Malformed, "malformed_frame", f, err)
		return
	}

	if id, ok := protocol.FingerprintID(f); ok {
		if !n.seen.Observe(sender, id, now) {
			// A retransmission usually means our ACK was lost, so
			// repeat it; the handler must not run twice.
			if rule.NeedsAck && srcIP != "" {
				n.tr.SendAck(f.Get(protocol.KeyMessageID), srcIP)
			}
			n.drops.Duplicate.Add(1)
			return
		}
	}

	// The claimed identity must match the datagram source. This is the
	// only spoofing defence the protocol has.
	if sender == "" || protocol.UserIDHost(sender) != srcIP {
		n.drop(&n.drops.SpoofedSource, "spoofed_source", f, nil)
		return
	}

	if rule.Scope != "" {
		if err := n.verifier.Check(f.Get(protocol.KeyToken), rule.Scope, sender, now); err != nil {
			n.drop(&n.drops.Unauthorized, "unauthorized", f, err)
			return
		}
	}

	if f.Type != protocol.TypeRevoke {
		n.touchPeer(sender, now)
	}

	if rule.NeedsAck && srcIP != "" {
		n.tr.SendAck(f.Get(protocol.KeyMessageID), srcIP)
	}

	n.handled.Add(1)
	switch f.Type {
	case protocol.TypeProfile:
		n.handleProfile(f, sender)
	case protocol.TypePing:
		n.handlePing(sender, srcIP)
	case protocol.TypePong:
		// The registry touch above is the whole point of a PONG.
	case protocol.TypeRevoke:
		n.handleRevoke(sender, now)
	case protocol.TypeChat:
		n.handleChat(f, sender, now)
	case protocol.TypePost:
		n.handlePost(f, sender, now)
	case protocol.TypeLike:
		n.handleLike(f, sender, now)
	case protocol.TypeFollow:
		n.handleFollow(sender, true, now)
	case protocol.TypeUnfollow:
		n.handleFollow(sender, false, now)
	case protocol.TypeGroupUpdate:
		n.handleGroupUpdate(f, sender, now)
	case protocol.TypeGroupChat:
		n.handleGroupChat(f, sender, now)
	case protocol.TypeFileOffer:
		n.handleFileOffer(f, sender, now)
	case protocol.TypeFileAccept:
		n.relayTransfer(f, sender, tmAccept)
	case protocol.TypeFileReject:
		n.relayTransfer(f, sender, tmReject)
	case protocol.TypeFileData:
		n.handleFileData(f, sender)
	case protocol.TypeFileComplete:
		n.relayTransfer(f, sender, tmComplete)
	case protocol.TypeFileCancel:
		n.relayTransfer(f, sender, tmCancel)
	case protocol.TypeGameInvite:
		n.handleGameInvite(f, sender, now)
	case protocol.TypeGameInviteAck:
		n.handleGameInviteAck(f, sender, now)
	case protocol.TypeGameMove:
		n.handleGameMove(f, sender, now)
	case protocol.TypeGameResync:
		n.handleGameResync(f, sender, now)
	case protocol.TypeGameResult:
		n.handleGameResult(f, sender)
	case protocol.TypeGameResign:
		n.handleGameResign(f, sender, now)
	}
}

// touchPeer records activity for sender and tells the UI about
// discoveries and comebacks.
func (n *Node) touchPeer(sender string, now time.Time) {
	created, reactivated, err := n.Registry.Touch(sender, now)
	if err != nil {
		return
	}
	if created {
		n.bus.Emit(event.Event{Type: event.PeerAdded, TS: now.Unix(), Peer: sender})
	} else if reactivated {
		active := true
		n.bus.Emit(event.Event{Type: event.PeerUpdated, TS: now.Unix(), Peer: sender, Active: &active})
	}
}
