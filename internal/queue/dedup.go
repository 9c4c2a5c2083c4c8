package queue

import (
	"fmt"
	"sync"
	"time"
)

// fingerprintBodyRunes is how much of a message body goes into its fingerprint.
const fingerprintBodyRunes = 50

// Fingerprint identifies a chat message for delta computation: unix
// timestamp, sender and the first 50 characters of the body.
func Fingerprint(ts time.Time, sender, body string) string {
	r := []rune(body)
	if len(r) > fingerprintBodyRunes {
		r = r[:fingerprintBodyRunes]
	}
	return fmt.Sprintf("%d|%s|%s", ts.Unix(), sender, string(r))
}

// groupWindow is the rolling set of fingerprints already sent for one group.
type groupWindow struct {
	order []string
	seen  map[string]struct{}
	seq   uint64 // last update, for eviction order
}

// dedupCache holds per-group windows, bounded in both dimensions.
type dedupCache struct {
	mu          sync.Mutex
	maxMessages int
	maxGroups   int
	groups      map[string]*groupWindow
	seq         uint64
}

func newDedupCache(maxMessages, maxGroups int) *dedupCache {
	return &dedupCache{
		maxMessages: maxMessages,
		maxGroups:   maxGroups,
		groups:      make(map[string]*groupWindow),
	}
}

// delta returns the indexes of fps not yet seen for groupID, and whether the
// group had any cached context at all.
func (d *dedupCache) delta(groupID string, fps []string) ([]int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.groups[groupID]
	var out []int
	for i, fp := range fps {
		if ok {
			if _, dup := w.seen[fp]; dup {
				continue
			}
		}
		out = append(out, i)
	}
	return out, ok
}

// commit records fps as sent for groupID. Only the newest maxMessages are
// kept; when a new group pushes the map past maxGroups the group updated
// longest ago is dropped.
func (d *dedupCache) commit(groupID string, fps []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	w, ok := d.groups[groupID]
	if !ok {
		w = &groupWindow{seen: make(map[string]struct{})}
		d.groups[groupID] = w
	}
	w.seq = d.seq
	for _, fp := range fps {
		if _, dup := w.seen[fp]; dup {
			continue
		}
		w.order = append(w.order, fp)
		w.seen[fp] = struct{}{}
	}
	if extra := len(w.order) - d.maxMessages; extra > 0 {
		for _, fp := range w.order[:extra] {
			delete(w.seen, fp)
		}
		w.order = append([]string(nil), w.order[extra:]...)
	}

	for len(d.groups) > d.maxGroups {
		var oldestID string
		var oldest uint64
		for id, g := range d.groups {
			if oldestID == "" || g.seq < oldest {
				oldestID, oldest = id, g.seq
			}
		}
		delete(d.groups, oldestID)
	}
}

func (d *dedupCache) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = make(map[string]*groupWindow)
}

// size returns the number of cached groups and the window length for groupID.
func (d *dedupCache) size(groupID string) (groups, messages int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.groups[groupID]; ok {
		messages = len(w.order)
	}
	return len(d.groups), messages
}
