package core

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Follows tracks who follows the local user and whom the local user
// follows. The following set doubles as the timeline filter.
type Follows struct {
	mu        sync.RWMutex
	followers mapset.Set[string]
	following mapset.Set[string]
}

func NewFollows() *Follows {
	return &Follows{
		followers: mapset.NewSet[string](),
		following: mapset.NewSet[string](),
	}
}

// SetFollower records that user follows (or no longer follows) us.
// It reports whether anything changed.
func (f *Follows) SetFollower(user string, on bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		return f.followers.Add(user)
	}
	if f.followers.Contains(user) {
		f.followers.Remove(user)
		return true
	}
	return false
}

// SetFollowing records that we follow (or unfollowed) user.
func (f *Follows) SetFollowing(user string, on bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		return f.following.Add(user)
	}
	if f.following.Contains(user) {
		f.following.Remove(user)
		return true
	}
	return false
}

// IsFollowing reports whether we follow user.
func (f *Follows) IsFollowing(user string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.following.Contains(user)
}

// FollowingSet returns a copy usable as a timeline author filter.
func (f *Follows) FollowingSet() mapset.Set[string] {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.following.Clone()
}

// Followers lists our followers, sorted.
func (f *Follows) Followers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := f.followers.ToSlice()
	sort.Strings(out)
	return out
}

// Following lists whom we follow, sorted.
func (f *Follows) Following() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := f.following.ToSlice()
	sort.Strings(out)
	return out
}
