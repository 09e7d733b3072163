// Package core holds the node's in-memory state: the peer registry, the
// post timeline, direct-message logs, group mirrors and follow sets.
// Each store serializes its mutations behind one lock and hands copies
// to readers, so observers always see a consistent snapshot.
package core

import (
	"sort"
	"sync"
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/protocol"
)

// Peer is one LAN participant as the registry knows it.
type Peer struct {
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	IP          string `json:"ip"`
	DisplayName string `json:"display_name,omitempty"`
	Status      string `json:"status,omitempty"`
	AvatarType  string `json:"avatar_type,omitempty"`
	Avatar      []byte `json:"-"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Active    bool      `json:"active"`
}

// Registry owns the peer table. UserID is the key; the same name on a
// different IP is a different peer.
type Registry struct {
	stale time.Duration
	evict time.Duration

	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewRegistry builds a registry with the given staleness and eviction
// thresholds.
func NewRegistry(stale, evict time.Duration) *Registry {
	return &Registry{
		stale: stale,
		evict: evict,
		peers: make(map[string]*Peer),
	}
}

// Touch records that an authentic frame from userID arrived at now.
// It creates the peer on first contact and reports whether the peer is
// new or has just come back from stale. last_seen never moves backwards.
func (r *Registry) Touch(userID string, now time.Time) (created, reactivated bool, err error) {
	name, ip, err := protocol.ParseUserID(userID)
	if err != nil {
		return false, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[userID]
	if !ok {
		r.peers[userID] = &Peer{
			UserID:    userID,
			Name:      name,
			IP:        ip,
			FirstSeen: now,
			LastSeen:  now,
			Active:    true,
		}
		return true, false, nil
	}
	if now.After(p.LastSeen) {
		p.LastSeen = now
	}
	if !p.Active {
		p.Active = true
		return false, true, nil
	}
	return false, false, nil
}

// SetProfile applies a PROFILE frame's fields. It reports whether any
// visible field changed. Avatar bytes are replaced only when non-nil.
func (r *Registry) SetProfile(userID, displayName, status, avatarType string, avatar []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[userID]
	if !ok {
		return false
	}
	changed := p.DisplayName != displayName || p.Status != status
	p.DisplayName = displayName
	p.Status = status
	if avatar != nil {
		p.AvatarType = avatarType
		p.Avatar = append([]byte(nil), avatar...)
		changed = true
	}
	return changed
}

// Peer returns a copy of one peer.
func (r *Registry) Peer(userID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[userID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Known reports whether userID is in the registry.
func (r *Registry) Known(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[userID]
	return ok
}

// Deactivate marks a peer inactive immediately, as on REVOKE. The peer
// stays in the registry until eviction.
func (r *Registry) Deactivate(userID string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[userID]
	if !ok || !p.Active {
		return Peer{}, false
	}
	p.Active = false
	return *p, true
}

// Remove deletes a peer outright.
func (r *Registry) Remove(userID string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[userID]
	if !ok {
		return Peer{}, false
	}
	delete(r.peers, userID)
	return *p, true
}

// Sweep ages the table: peers silent past the stale threshold flip to
// inactive (returned in wentStale), peers silent past the eviction
// threshold are removed (returned in evicted).
func (r *Registry) Sweep(now time.Time) (wentStale, evicted []Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.peers {
		silence := now.Sub(p.LastSeen)
		if silence > r.evict {
			evicted = append(evicted, *p)
			delete(r.peers, id)
			continue
		}
		if p.Active && silence > r.stale {
			p.Active = false
			wentStale = append(wentStale, *p)
		}
	}
	return wentStale, evicted
}

// Snapshot returns all peers sorted by UserID.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Count returns total and active peer counts.
func (r *Registry) Count() (total, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total = len(r.peers)
	for _, p := range r.peers {
		if p.Active {
			active++
		}
	}
	return total, active
}
