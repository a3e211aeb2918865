// Package presence converts raw membership snapshots from the broadcast
// channel into stable join/leave deltas. Snapshots arrive on every presence
// change anywhere in the room, so the tracker diffs against its previous
// state instead of replacing it; a repeated snapshot produces an empty delta.
package presence

import "sort"

// Metadata is the per-participant presence payload. InCall may be stale by up
// to one presence-sync interval and is a hint, not ground truth.
type Metadata struct {
	DisplayName string
	InCall      bool
}

// Participant is one known room member.
type Participant struct {
	ID          string
	DisplayName string
	InCall      bool
}

// Delta describes what changed between two consecutive snapshots. Slices are
// sorted by participant id.
type Delta struct {
	Joined []Participant // appeared in the room
	Left   []Participant // disappeared from the room

	CallJoined []Participant // now marked in-call, previously not (or unknown)
	CallLeft   []Participant // previously in-call, now not (or gone)
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Joined) == 0 && len(d.Left) == 0 &&
		len(d.CallJoined) == 0 && len(d.CallLeft) == 0
}

// Tracker maintains the authoritative who-is-here set for one room.
// It is not safe for concurrent use; callers serialize Apply.
type Tracker struct {
	selfID string
	known  map[string]Metadata
}

// NewTracker creates a tracker. Entries for selfID are ignored in deltas:
// the local participant's call state is owned by the coordinator, not by
// the presence feed.
func NewTracker(selfID string) *Tracker {
	return &Tracker{
		selfID: selfID,
		known:  make(map[string]Metadata),
	}
}

// Apply diffs a new snapshot against the previous one and returns the delta.
func (t *Tracker) Apply(snapshot map[string]Metadata) Delta {
	var d Delta

	for id, meta := range snapshot {
		if id == t.selfID {
			continue
		}
		prev, ok := t.known[id]
		if !ok {
			d.Joined = append(d.Joined, participant(id, meta))
			if meta.InCall {
				d.CallJoined = append(d.CallJoined, participant(id, meta))
			}
			continue
		}
		if meta.InCall && !prev.InCall {
			d.CallJoined = append(d.CallJoined, participant(id, meta))
		}
		if !meta.InCall && prev.InCall {
			d.CallLeft = append(d.CallLeft, participant(id, meta))
		}
	}

	for id, prev := range t.known {
		if id == t.selfID {
			continue
		}
		if _, ok := snapshot[id]; !ok {
			d.Left = append(d.Left, participant(id, prev))
			if prev.InCall {
				d.CallLeft = append(d.CallLeft, participant(id, prev))
			}
		}
	}

	t.known = make(map[string]Metadata, len(snapshot))
	for id, meta := range snapshot {
		t.known[id] = meta
	}

	sortParticipants(d.Joined)
	sortParticipants(d.Left)
	sortParticipants(d.CallJoined)
	sortParticipants(d.CallLeft)
	return d
}

// InCall returns the ids of all remote participants currently marked in-call,
// sorted.
func (t *Tracker) InCall() []string {
	var ids []string
	for id, meta := range t.known {
		if id != t.selfID && meta.InCall {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Known reports whether a participant is currently tracked.
func (t *Tracker) Known(id string) bool {
	_, ok := t.known[id]
	return ok
}

// Get returns the tracked metadata for a participant.
func (t *Tracker) Get(id string) (Metadata, bool) {
	meta, ok := t.known[id]
	return meta, ok
}

// Snapshot returns a copy of the tracked membership.
func (t *Tracker) Snapshot() map[string]Metadata {
	cp := make(map[string]Metadata, len(t.known))
	for id, meta := range t.known {
		cp[id] = meta
	}
	return cp
}

func participant(id string, meta Metadata) Participant {
	return Participant{ID: id, DisplayName: meta.DisplayName, InCall: meta.InCall}
}

func sortParticipants(ps []Participant) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
