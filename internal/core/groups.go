package core

import (
	"errors"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

var ErrNotCreator = errors.New("group update from non-creator")

// Group mirrors one group as announced by its creator. Only the creator
// is authoritative for membership; everyone else replaces their mirror
// whenever a newer update arrives.
type Group struct {
	GroupID   string
	Name      string
	Creator   string
	Members   mapset.Set[string]
	UpdatedAt int64 // creator timestamp, last-writer-wins
}

// GroupView is the UI copy.
type GroupView struct {
	GroupID   string   `json:"group_id"`
	Name      string   `json:"name"`
	Creator   string   `json:"creator"`
	Members   []string `json:"members"`
	UpdatedAt int64    `json:"updated_at"`
}

// GroupMessage is one fan-out chat inside a group.
type GroupMessage struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	TS        time.Time `json:"ts"`
	// Delivery aggregates the fan-out: acked once any member acked,
	// failed only when every member failed. Inbound entries leave it
	// empty.
	Delivery string `json:"delivery,omitempty"`
}

// Groups stores group mirrors and their message logs.
type Groups struct {
	mu       sync.RWMutex
	groups   map[string]*Group
	messages map[string][]GroupMessage
}

func NewGroups() *Groups {
	return &Groups{
		groups:   make(map[string]*Group),
		messages: make(map[string][]GroupMessage),
	}
}

// Apply processes a group update carrying the full member list. The
// first update for a group id creates it and pins the creator. Later
// updates must come from that creator and carry a strictly newer
// timestamp; stale ones are ignored.
func (g *Groups) Apply(groupID, name, creator string, members []string, ts int64) (applied, created bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[groupID]
	if !ok {
		g.groups[groupID] = &Group{
			GroupID:   groupID,
			Name:      name,
			Creator:   creator,
			Members:   mapset.NewSet(members...),
			UpdatedAt: ts,
		}
		return true, true, nil
	}
	if grp.Creator != creator {
		return false, false, ErrNotCreator
	}
	if ts <= grp.UpdatedAt {
		return false, false, nil
	}
	grp.Name = name
	grp.Members = mapset.NewSet(members...)
	grp.UpdatedAt = ts
	return true, false, nil
}

// Get returns a view of one group.
func (g *Groups) Get(groupID string) (GroupView, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	grp, ok := g.groups[groupID]
	if !ok {
		return GroupView{}, false
	}
	return grp.view(), true
}

// IsMember reports whether user is in the group's current member list.
func (g *Groups) IsMember(groupID, user string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	grp, ok := g.groups[groupID]
	return ok && grp.Members.Contains(user)
}

// Creator returns the pinned creator of a group.
func (g *Groups) Creator(groupID string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	grp, ok := g.groups[groupID]
	if !ok {
		return "", false
	}
	return grp.Creator, true
}

// AppendMessage adds a chat entry to the group's log.
func (g *Groups) AppendMessage(groupID string, m GroupMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages[groupID] = append(g.messages[groupID], m)
}

// SetDelivery updates the aggregate delivery state of an outbound group
// message.
func (g *Groups) SetDelivery(groupID, messageID, state string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	log := g.messages[groupID]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].MessageID == messageID {
			log[i].Delivery = state
			return true
		}
	}
	return false
}

// Messages copies a group's chat log in order.
func (g *Groups) Messages(groupID string) []GroupMessage {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]GroupMessage(nil), g.messages[groupID]...)
}

// Snapshot returns all groups sorted by group id.
func (g *Groups) Snapshot() []GroupView {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]GroupView, 0, len(g.groups))
	for _, grp := range g.groups {
		out = append(out, grp.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

func (grp *Group) view() GroupView {
	members := grp.Members.ToSlice()
	sort.Strings(members)
	return GroupView{
		GroupID:   grp.GroupID,
		Name:      grp.Name,
		Creator:   grp.Creator,
		Members:   members,
		UpdatedAt: grp.UpdatedAt,
	}
}
