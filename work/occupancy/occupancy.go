// Package occupancy tracks which credentials are carrying live relay sessions.
package occupancy

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Entry records one active streaming session. ID identifies the session, so
// two viewers of the same channel on the same credential are distinct entries.
type Entry struct {
	ID          string    `json:"id"`
	PortalID    string    `json:"portalId"`
	PortalName  string    `json:"portalName"`
	MAC         string    `json:"mac"`
	ChannelID   string    `json:"channelId"`
	ChannelName string    `json:"channelName"`
	ClientAddr  string    `json:"client"`
	StartedAt   time.Time `json:"startedAt"`
}

type credentialKey struct {
	portalID string
	mac      string
}

// Tracker is the concurrent registry of active sessions. Entries are grouped
// per credential and every mutation of a credential's group is atomic, so a
// count-then-add through TryAdd cannot overshoot a capacity limit.
type Tracker struct {
	byCredential *xsync.MapOf[credentialKey, []Entry]
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{byCredential: xsync.NewMapOf[credentialKey, []Entry]()}
}

// Add registers e unconditionally.
func (t *Tracker) Add(e Entry) {
	t.TryAdd(e, 0)
}

// TryAdd registers e if its credential carries fewer than limit sessions.
// A limit of 0 means unlimited. It reports whether e was registered.
func (t *Tracker) TryAdd(e Entry, limit int) bool {
	added := false
	t.byCredential.Compute(credentialKey{e.PortalID, e.MAC}, func(old []Entry, loaded bool) ([]Entry, bool) {
		if limit > 0 && len(old) >= limit {
			return old, !loaded
		}
		// copy on write: readers may still hold the previous slice
		next := make([]Entry, len(old), len(old)+1)
		copy(next, old)
		added = true
		return append(next, e), false
	})
	return added
}

// Remove deregisters the entry with e's ID. Removing an entry that is not
// registered is a no-op. It reports whether an entry was removed.
func (t *Tracker) Remove(e Entry) bool {
	removed := false
	t.byCredential.Compute(credentialKey{e.PortalID, e.MAC}, func(old []Entry, loaded bool) ([]Entry, bool) {
		if !loaded {
			return nil, true
		}
		next := make([]Entry, 0, len(old))
		for _, cur := range old {
			if cur.ID == e.ID && !removed {
				removed = true
				continue
			}
			next = append(next, cur)
		}
		return next, len(next) == 0
	})
	return removed
}

// CountByCredential returns the number of sessions on one credential.
func (t *Tracker) CountByCredential(portalID, mac string) int {
	entries, _ := t.byCredential.Load(credentialKey{portalID, mac})
	return len(entries)
}

// Len returns the total number of active sessions.
func (t *Tracker) Len() int {
	n := 0
	t.byCredential.Range(func(_ credentialKey, entries []Entry) bool {
		n += len(entries)
		return true
	})
	return n
}

// Snapshot returns all sessions ordered by start time.
func (t *Tracker) Snapshot() []Entry {
	var out []Entry
	t.byCredential.Range(func(_ credentialKey, entries []Entry) bool {
		out = append(out, entries...)
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ByPortal groups Snapshot by portal id.
func (t *Tracker) ByPortal() map[string][]Entry {
	out := make(map[string][]Entry)
	for _, e := range t.Snapshot() {
		out[e.PortalID] = append(out[e.PortalID], e)
	}
	return out
}
