package core

import (
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Post is one broadcast timeline entry.
type Post struct {
	PostID  string
	Author  string
	Text    string
	TS      time.Time
	Expires time.Time
	likes   mapset.Set[string]
}

// PostView is the read-only copy handed to the UI.
type PostView struct {
	PostID string   `json:"post_id"`
	Author string   `json:"author"`
	Text   string   `json:"text"`
	TS     int64    `json:"ts"`
	Likes  []string `json:"likes,omitempty"`
}

// Timeline stores posts keyed by post id, newest first in snapshots.
// Posts lapse after their TTL and are dropped on Sweep.
type Timeline struct {
	mu    sync.RWMutex
	posts map[string]*Post
}

func NewTimeline() *Timeline {
	return &Timeline{posts: make(map[string]*Post)}
}

// Add inserts a post. It reports false when the post id is already known
// or the post arrived past its expiry.
func (t *Timeline) Add(postID, author, text string, ts, expires time.Time, now time.Time) bool {
	if !expires.IsZero() && now.After(expires) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.posts[postID]; ok {
		return false
	}
	t.posts[postID] = &Post{
		PostID:  postID,
		Author:  author,
		Text:    text,
		TS:      ts,
		Expires: expires,
		likes:   mapset.NewSet[string](),
	}
	return true
}

// Like applies a LIKE or UNLIKE by user to a post. It reports whether
// the post exists and whether the like set actually changed; repeated
// likes are idempotent.
func (t *Timeline) Like(postID, user string, unlike bool) (found, changed bool) {
	t.mu.RLock()
	p, ok := t.posts[postID]
	t.mu.RUnlock()
	if !ok {
		return false, false
	}
	if unlike {
		if p.likes.Contains(user) {
			p.likes.Remove(user)
			return true, true
		}
		return true, false
	}
	return true, p.likes.Add(user)
}

// Get returns a view of one post.
func (t *Timeline) Get(postID string) (PostView, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.posts[postID]
	if !ok {
		return PostView{}, false
	}
	return p.view(), true
}

// Sweep removes posts past their expiry.
func (t *Timeline) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, p := range t.posts {
		if !p.Expires.IsZero() && now.After(p.Expires) {
			delete(t.posts, id)
			n++
		}
	}
	return n
}

// Snapshot returns all posts newest first. When authors is non-nil only
// posts from those authors are included; the UI uses this to show a
// followed-only timeline.
func (t *Timeline) Snapshot(authors mapset.Set[string]) []PostView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PostView, 0, len(t.posts))
	for _, p := range t.posts {
		if authors != nil && !authors.Contains(p.Author) {
			continue
		}
		out = append(out, p.view())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TS != out[j].TS {
			return out[i].TS > out[j].TS
		}
		return out[i].PostID < out[j].PostID
	})
	return out
}

// Len returns the number of live posts.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.posts)
}

func (p *Post) view() PostView {
	likes := p.likes.ToSlice()
	sort.Strings(likes)
	return PostView{
		PostID: p.PostID,
		Author: p.Author,
		Text:   p.Text,
		TS:     p.TS.Unix(),
		Likes:  likes,
	}
}
