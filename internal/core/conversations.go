package core

import (
	"sort"
	"sync"
	"time"
)

// Chat directions.
const (
	DirIn  = "in"
	DirOut = "out"
)

// ChatEntry is one direct message in a conversation log.
type ChatEntry struct {
	MessageID string    `json:"message_id"`
	Direction string    `json:"direction"`
	Text      string    `json:"text"`
	TS        time.Time `json:"ts"`
	// Delivery tracks outbound entries: pending, acked or failed.
	Delivery string `json:"delivery,omitempty"`
}

// Conversations keeps the per-peer ordered DM logs.
type Conversations struct {
	mu     sync.RWMutex
	byPeer map[string][]ChatEntry
}

func NewConversations() *Conversations {
	return &Conversations{byPeer: make(map[string][]ChatEntry)}
}

// Append adds an entry to the conversation with peer.
func (c *Conversations) Append(peer string, e ChatEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byPeer[peer] = append(c.byPeer[peer], e)
}

// SetDelivery updates the delivery state of an outbound entry, newest
// first since the pending message is almost always the last one.
func (c *Conversations) SetDelivery(peer, messageID, state string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	log := c.byPeer[peer]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].MessageID == messageID && log[i].Direction == DirOut {
			log[i].Delivery = state
			return true
		}
	}
	return false
}

// Snapshot copies the conversation with peer in order.
func (c *Conversations) Snapshot(peer string) []ChatEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ChatEntry(nil), c.byPeer[peer]...)
}

// Peers lists everyone we have a conversation with, sorted.
func (c *Conversations) Peers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byPeer))
	for p := range c.byPeer {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
