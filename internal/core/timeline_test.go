package core

import (
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

func TestTimelineAddAndDuplicate(t *testing.T) {
	tl := NewTimeline()
	now := time.Unix(1_700_000_000, 0)

	if !tl.Add("p1", "alice@10.0.0.1", "first!", now, now.Add(time.Hour), now) {
		t.Fatal("new post should be accepted")
	}
	if tl.Add("p1", "alice@10.0.0.1", "first!", now, now.Add(time.Hour), now) {
		t.Fatal("duplicate post id should be rejected")
	}
	if tl.Len() != 1 {
		t.Fatalf("len = %d", tl.Len())
	}
}

func TestTimelineRejectsExpiredOnArrival(t *testing.T) {
	tl := NewTimeline()
	now := time.Unix(1_700_000_000, 0)
	if tl.Add("p1", "alice@10.0.0.1", "stale", now.Add(-2*time.Hour), now.Add(-time.Hour), now) {
		t.Fatal("post past its TTL should be dropped at receive")
	}
}

func TestTimelineSweep(t *testing.T) {
	tl := NewTimeline()
	now := time.Unix(1_700_000_000, 0)
	tl.Add("p1", "alice@10.0.0.1", "short lived", now, now.Add(time.Minute), now)
	tl.Add("p2", "bob@10.0.0.2", "long lived", now, now.Add(time.Hour), now)

	if n := tl.Sweep(now.Add(2 * time.Minute)); n != 1 {
		t.Fatalf("sweep removed %d, want 1", n)
	}
	if _, ok := tl.Get("p1"); ok {
		t.Fatal("p1 should be gone")
	}
	if _, ok := tl.Get("p2"); !ok {
		t.Fatal("p2 should remain")
	}
}

func TestLikeUnlikeIdempotent(t *testing.T) {
	tl := NewTimeline()
	now := time.Unix(1_700_000_000, 0)
	tl.Add("p1", "alice@10.0.0.1", "hi", now, now.Add(time.Hour), now)

	found, changed := tl.Like("p1", "bob@10.0.0.2", false)
	if !found || !changed {
		t.Fatalf("first like: found=%v changed=%v", found, changed)
	}
	if _, changed := tl.Like("p1", "bob@10.0.0.2", false); changed {
		t.Fatal("repeated like should be idempotent")
	}
	// Self-like is allowed.
	if _, changed := tl.Like("p1", "alice@10.0.0.1", false); !changed {
		t.Fatal("self like should count")
	}

	found, changed = tl.Like("p1", "bob@10.0.0.2", true)
	if !found || !changed {
		t.Fatalf("unlike: found=%v changed=%v", found, changed)
	}
	if _, changed := tl.Like("p1", "bob@10.0.0.2", true); changed {
		t.Fatal("repeated unlike should be idempotent")
	}

	if found, _ := tl.Like("ghost", "bob@10.0.0.2", false); found {
		t.Fatal("like of unknown post should report not found")
	}

	v, _ := tl.Get("p1")
	if len(v.Likes) != 1 || v.Likes[0] != "alice@10.0.0.1" {
		t.Fatalf("likes = %v", v.Likes)
	}
}

func TestSnapshotOrderAndFilter(t *testing.T) {
	tl := NewTimeline()
	now := time.Unix(1_700_000_000, 0)
	tl.Add("p1", "alice@10.0.0.1", "older", now, now.Add(time.Hour), now)
	tl.Add("p2", "bob@10.0.0.2", "newer", now.Add(time.Minute), now.Add(time.Hour), now)

	all := tl.Snapshot(nil)
	if len(all) != 2 || all[0].PostID != "p2" {
		t.Fatalf("newest first expected: %+v", all)
	}

	followed := tl.Snapshot(mapset.NewSet("alice@10.0.0.1"))
	if len(followed) != 1 || followed[0].PostID != "p1" {
		t.Fatalf("filtered snapshot: %+v", followed)
	}
}
