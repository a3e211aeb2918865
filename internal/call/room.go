package call

import (
	"sort"
	"sync"
)

// Room exclusively owns the PeerLink table for one call. All mutation goes
// through Room methods; nothing else holds a reference to the table. At most
// one non-Closed link exists per remote participant at any instant.
type Room struct {
	localID ParticipantID

	mu    sync.RWMutex
	links map[ParticipantID]*PeerLink
}

// NewRoom creates an empty room for the local participant.
func NewRoom(localID ParticipantID) *Room {
	return &Room{
		localID: localID,
		links:   make(map[ParticipantID]*PeerLink),
	}
}

// LocalID returns the local participant id.
func (r *Room) LocalID() ParticipantID {
	return r.localID
}

// Link returns the link for a remote participant, if present.
func (r *Room) Link(remote ParticipantID) (*PeerLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[remote]
	return l, ok
}

// Add inserts a link. A second non-Closed link for the same remote id is a
// protocol error and is rejected; the caller must tear down the existing
// link first.
func (r *Room) Add(link *PeerLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.links[link.remote]; ok && existing.State() != LinkClosed {
		return NewError("add link", link.remote, ErrDuplicateLink)
	}
	r.links[link.remote] = link
	return nil
}

// Remove drops a link from the table without closing it.
func (r *Room) Remove(remote ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, remote)
}

// Links returns the current links sorted by remote id.
func (r *Room) Links() []*PeerLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	links := make([]*PeerLink, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].remote < links[j].remote })
	return links
}

// Len returns the number of links in the table.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// CloseAll closes every link and empties the table.
func (r *Room) CloseAll() {
	r.mu.Lock()
	links := r.links
	r.links = make(map[ParticipantID]*PeerLink)
	r.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
}
