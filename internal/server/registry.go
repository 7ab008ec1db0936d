package server

import "sync"

// RoutingID is the transport-assigned identity of a connected peer, used to
// address replies. Treated as an opaque byte string.
type RoutingID string

// Registry maps (routing identity, stream name) to a ready flag: "this
// subscriber has credit for one frame". A request sets the flag; a
// successful send clears it; a failed send forgets the identity entirely.
//
// All access is under one mutex. Hold times are O(peers) map work only;
// transport I/O never happens under the lock. DrainReady copies the ready
// identities out and the caller sends with the lock released.
type Registry struct {
	mu    sync.Mutex
	peers map[RoutingID]map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[RoutingID]map[string]bool)}
}

// SetReady grants rid one frame of credit for stream, creating the entry if
// absent. It reports whether this is the first request from rid for stream.
func (r *Registry) SetReady(rid RoutingID, stream string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	flags, ok := r.peers[rid]
	if !ok {
		flags = make(map[string]bool)
		r.peers[rid] = flags
	}
	_, seen := flags[stream]
	flags[stream] = true
	return !seen
}

// DrainReady returns the identities currently holding credit for stream.
// Flags are not cleared here; the serve loop clears each one after its send
// succeeds.
func (r *Registry) DrainReady(stream string) []RoutingID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rids []RoutingID
	for rid, flags := range r.peers {
		if flags[stream] {
			rids = append(rids, rid)
		}
	}
	return rids
}

// ClearReady consumes rid's credit for stream after a successful send.
func (r *Registry) ClearReady(rid RoutingID, stream string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if flags, ok := r.peers[rid]; ok {
		flags[stream] = false
	}
}

// Forget erases every trace of rid. Called when a send fails and the peer
// is presumed gone.
func (r *Registry) Forget(rid RoutingID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, rid)
}

// NumPeers returns the number of known identities.
func (r *Registry) NumPeers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
