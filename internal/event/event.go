// Package event defines the notifications the node pushes to user
// interfaces. A UI subscribes over the websocket bridge and renders
// these; the node never blocks on a slow or absent UI.
package event

import "sync/atomic"

// Type tags one notification.
type Type string

const (
	PeerAdded   Type = "peer_added"
	PeerUpdated Type = "peer_updated"
	PeerRemoved Type = "peer_removed"

	DMReceived        Type = "dm_received"
	DMDeliveryChanged Type = "dm_delivery_changed"
	PostReceived      Type = "post_received"
	LikeReceived      Type = "like_received"
	FollowReceived    Type = "follow_received"

	GroupUpdated         Type = "group_updated"
	GroupMessageReceived Type = "group_message_received"

	FileOffered   Type = "file_offered"
	FileProgress  Type = "file_progress"
	FileCompleted Type = "file_completed"
	FileFailed    Type = "file_failed"

	GameInvited     Type = "game_invited"
	GameStarted     Type = "game_started"
	GameMoveApplied Type = "game_move_applied"
	GameEnded       Type = "game_ended"

	VerboseLog Type = "verbose_log"
)

// Delivery states reported by dm_delivery_changed and group messages.
const (
	DeliveryPending = "pending"
	DeliveryAcked   = "acked"
	DeliveryFailed  = "failed"
)

// Event is one notification. Only the fields relevant to the Type are
// set; everything else is omitted from the JSON encoding.
type Event struct {
	Type Type  `json:"type"`
	TS   int64 `json:"ts,omitempty"`

	Peer        string `json:"peer,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Status      string `json:"status,omitempty"`
	Active      *bool  `json:"active,omitempty"`

	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Delivery  string `json:"delivery,omitempty"`

	PostID string `json:"post_id,omitempty"`
	Author string `json:"author,omitempty"`
	Action string `json:"action,omitempty"`

	GroupID   string   `json:"group_id,omitempty"`
	GroupName string   `json:"group_name,omitempty"`
	Members   []string `json:"members,omitempty"`

	TransferID string `json:"transfer_id,omitempty"`
	Filename   string `json:"filename,omitempty"`
	FileSize   int64  `json:"file_size,omitempty"`
	Direction  string `json:"direction,omitempty"`
	ChunksDone int    `json:"chunks_done,omitempty"`
	ChunkCount int    `json:"chunk_count,omitempty"`
	Path       string `json:"path,omitempty"`

	GameID   string `json:"game_id,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Position int    `json:"position,omitempty"`
	MoveNo   int    `json:"move_no,omitempty"`
	Board    string `json:"board,omitempty"`
	Result   string `json:"result,omitempty"`
	Winner   string `json:"winner,omitempty"`

	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Bus is a bounded queue between the node and the UI bridge. Emit never
// blocks: when the buffer is full the oldest event is dropped, since a
// UI that has fallen this far behind will resynchronize from a state
// snapshot anyway.
type Bus struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewBus returns a bus buffering up to size events.
func NewBus(size int) *Bus {
	return &Bus{ch: make(chan Event, size)}
}

// Emit enqueues e, discarding the oldest queued event when full.
func (b *Bus) Emit(e Event) {
	for {
		select {
		case b.ch <- e:
			return
		default:
		}
		select {
		case <-b.ch:
			b.dropped.Add(1)
		default:
		}
	}
}

// C is the consumer side.
func (b *Bus) C() <-chan Event { return b.ch }

// Dropped counts events discarded under backpressure.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
