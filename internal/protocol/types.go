package protocol

import (
	"fmt"
	"strings"
)

// Frame types.
const (
	TypeProfile       = "PROFILE"
	TypePing          = "PING"
	TypePong          = "PONG"
	TypePost          = "POST"
	TypeLike          = "LIKE"
	TypeFollow        = "FOLLOW"
	TypeUnfollow      = "UNFOLLOW"
	TypeChat          = "CHAT"
	TypeGroupChat     = "GROUP_CHAT"
	TypeGroupUpdate   = "GROUP_UPDATE"
	TypeFileOffer     = "FILE_OFFER"
	TypeFileAccept    = "FILE_ACCEPT"
	TypeFileReject    = "FILE_REJECT"
	TypeFileData      = "FILE_DATA"
	TypeFileComplete  = "FILE_COMPLETE"
	TypeFileCancel    = "FILE_CANCEL"
	TypeGameInvite    = "GAME_INVITE"
	TypeGameInviteAck = "GAME_INVITE_ACK"
	TypeGameMove      = "GAME_MOVE"
	TypeGameResult    = "GAME_RESULT"
	TypeGameResign    = "GAME_RESIGN"
	TypeGameResync    = "GAME_RESYNC"
	TypeAck           = "ACK"
	TypeRevoke        = "REVOKE"
)

// Token scopes.
const (
	ScopeBroadcast = "broadcast"
	ScopeChat      = "chat"
	ScopePresence  = "presence"
	ScopeFile      = "file"
	ScopeGame      = "game"
	ScopeFollow    = "follow"
)

// Header keys.
const (
	KeyUserID      = "USER_ID"
	KeyDisplayName = "DISPLAY_NAME"
	KeyStatus      = "STATUS"
	KeyAvatarType  = "AVATAR_TYPE"
	KeyFrom        = "FROM"
	KeyTo          = "TO"
	KeyToken       = "TOKEN"
	KeyMessageID   = "MESSAGE_ID"
	KeyPostID      = "POST_ID"
	KeyAction      = "ACTION"
	KeyTimestamp   = "TIMESTAMP"
	KeyTTL         = "TTL"
	KeyGroupID     = "GROUP_ID"
	KeyCreator     = "CREATOR"
	KeyMembers     = "MEMBERS"
	KeyName        = "NAME"
	KeyTransferID  = "TRANSFER_ID"
	KeyFilename    = "FILENAME"
	KeySize        = "SIZE"
	KeyChunkSize   = "CHUNK_SIZE"
	KeyChunkCount  = "CHUNK_COUNT"
	KeyChunkIndex  = "CHUNK_INDEX"
	KeyDescription = "DESCRIPTION"
	KeyFileType    = "FILETYPE"
	KeyGameID      = "GAME_ID"
	KeySymbol      = "SYMBOL"
	KeyAccept      = "ACCEPT"
	KeyMoveNo      = "MOVE_NO"
	KeyPosition    = "POSITION"
	KeyPlayer      = "PLAYER"
	KeyResult      = "RESULT"
	KeyWinner      = "WINNER"
	KeyBoard       = "BOARD"
)

// LIKE actions.
const (
	ActionLike   = "LIKE"
	ActionUnlike = "UNLIKE"
)

// Rule describes how a frame type travels and what it must carry.
// Scope is the token scope the TOKEN header must satisfy; empty means the
// type carries no token. NeedsAck marks reliable unicast frames: they
// carry a MESSAGE_ID and the receiver answers with an ACK.
type Rule struct {
	Scope     string
	Broadcast bool
	NeedsAck  bool
	NeedsBody bool
	Required  []string
}

var rules = map[string]Rule{
	TypeProfile: {Scope: ScopeBroadcast, Broadcast: true,
		Required: []string{KeyUserID, KeyDisplayName, KeyStatus, KeyToken, KeyMessageID}},
	TypePing: {Scope: ScopePresence, Broadcast: true,
		Required: []string{KeyUserID, KeyToken}},
	TypePong: {Scope: ScopePresence,
		Required: []string{KeyUserID, KeyTo, KeyToken}},
	TypePost: {Scope: ScopeBroadcast, Broadcast: true, NeedsBody: true,
		Required: []string{KeyPostID, KeyFrom, KeyToken}},
	TypeLike: {Scope: ScopeBroadcast, Broadcast: true,
		Required: []string{KeyPostID, KeyFrom, KeyToken, KeyMessageID}},
	TypeFollow: {Scope: ScopeFollow, NeedsAck: true,
		Required: []string{KeyFrom, KeyTo, KeyToken, KeyMessageID}},
	TypeUnfollow: {Scope: ScopeFollow, NeedsAck: true,
		Required: []string{KeyFrom, KeyTo, KeyToken, KeyMessageID}},
	TypeChat: {Scope: ScopeChat, NeedsAck: true, NeedsBody: true,
		Required: []string{KeyMessageID, KeyFrom, KeyTo, KeyToken}},
	TypeGroupChat: {Scope: ScopeChat, NeedsAck: true, NeedsBody: true,
		Required: []string{KeyMessageID, KeyGroupID, KeyFrom, KeyTo, KeyToken}},
	TypeGroupUpdate: {Scope: ScopeBroadcast, Broadcast: true,
		Required: []string{KeyGroupID, KeyCreator, KeyMembers, KeyName, KeyToken, KeyMessageID}},
	TypeFileOffer: {Scope: ScopeFile, NeedsAck: true,
		Required: []string{KeyTransferID, KeyFrom, KeyTo, KeyFilename, KeySize, KeyChunkSize, KeyChunkCount, KeyToken, KeyMessageID}},
	TypeFileAccept: {Scope: ScopeFile, NeedsAck: true,
		Required: []string{KeyTransferID, KeyFrom, KeyTo, KeyToken, KeyMessageID}},
	TypeFileReject: {Scope: ScopeFile, NeedsAck: true,
		Required: []string{KeyTransferID, KeyFrom, KeyTo, KeyToken, KeyMessageID}},
	TypeFileData: {Scope: ScopeFile, NeedsAck: true, NeedsBody: true,
		Required: []string{KeyTransferID, KeyChunkIndex, KeyToken, KeyMessageID}},
	TypeFileComplete: {Scope: ScopeFile, NeedsAck: true,
		Required: []string{KeyTransferID, KeyToken, KeyMessageID}},
	TypeFileCancel: {Scope: ScopeFile, NeedsAck: true,
		Required: []string{KeyTransferID, KeyToken, KeyMessageID}},
	TypeGameInvite: {Scope: ScopeGame, NeedsAck: true,
		Required: []string{KeyGameID, KeyFrom, KeyTo, KeyToken, KeyMessageID}},
	TypeGameInviteAck: {Scope: ScopeGame, NeedsAck: true,
		Required: []string{KeyGameID, KeyFrom, KeyTo, KeyAccept, KeyToken, KeyMessageID}},
	TypeGameMove: {Scope: ScopeGame, NeedsAck: true,
		Required: []string{KeyGameID, KeyMoveNo, KeyPosition, KeyPlayer, KeyToken, KeyMessageID}},
	TypeGameResult: {Scope: ScopeGame, NeedsAck: true,
		Required: []string{KeyGameID, KeyResult, KeyToken, KeyMessageID}},
	TypeGameResign: {Scope: ScopeGame, NeedsAck: true,
		Required: []string{KeyGameID, KeyPlayer, KeyToken, KeyMessageID}},
	TypeGameResync: {Scope: ScopeGame, NeedsAck: true,
		Required: []string{KeyGameID, KeyBoard, KeyMoveNo, KeyToken, KeyMessageID}},
	TypeAck: {
		Required: []string{KeyMessageID}},
	TypeRevoke: {Broadcast: true,
		Required: []string{KeyUserID}},
}

// RuleFor returns the transport rule for a frame type.
func RuleFor(typ string) (Rule, bool) {
	r, ok := rules[typ]
	return r, ok
}

// Validate checks the per-type required headers and body presence.
// An unknown type is not an error here; the router decides what to do
// with it.
func Validate(f *Frame) error {
	r, ok := rules[f.Type]
	if !ok {
		return nil
	}
	for _, key := range r.Required {
		if f.Get(key) == "" {
			return fmt.Errorf("%w: %s in %s", ErrMissingHeader, key, f.Type)
		}
	}
	if r.NeedsBody && len(f.Body) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingBody, f.Type)
	}
	return nil
}

// FingerprintID returns the identifier that, paired with the sender,
// deduplicates the frame. POST frames are identified by their POST_ID;
// PING, PONG, ACK and REVOKE are idempotent and never deduplicated.
func FingerprintID(f *Frame) (string, bool) {
	switch f.Type {
	case TypePing, TypePong, TypeAck, TypeRevoke:
		return "", false
	case TypePost:
		return f.Get(KeyPostID), f.Get(KeyPostID) != ""
	default:
		id := f.Get(KeyMessageID)
		return id, id != ""
	}
}

// Sender extracts the claimed sender UserID: FROM, then USER_ID, then the
// user embedded in the token. Frames like GAME_MOVE identify their sender
// only through the token.
func Sender(f *Frame) string {
	if v := f.Get(KeyFrom); v != "" {
		return v
	}
	if v := f.Get(KeyUserID); v != "" {
		return v
	}
	tok := f.Get(KeyToken)
	if i := strings.IndexByte(tok, '|'); i > 0 {
		return tok[:i]
	}
	return ""
}
