package network

import (
	"errors"
	"time"

	"trackergw/protocol"
)

// ErrPeerExists indicates an Add for an address that already has a live session.
var ErrPeerExists = errors.New("network: peer already registered")

// Peer is the live session state of one connected tracker.
type Peer struct {
	Addr        protocol.Addr
	TrackerID   uint8
	ConnectedAt time.Time

	LastPingSent     time.Time
	PingStart        time.Time
	AwaitingResponse bool
	ExpectedSeq      uint16
	MissedPings      int

	Latency time.Duration
	RSSI    int8
}

// Registry holds connected trackers in connection order with an index by address.
// It is not safe for concurrent use; Gateway serializes access under its mutex.
type Registry struct {
	peers []*Peer
	index map[protocol.Addr]*Peer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[protocol.Addr]*Peer)}
}

// Add registers p. At most one peer exists per address.
func (r *Registry) Add(p *Peer) error {
	if _, ok := r.index[p.Addr]; ok {
		return ErrPeerExists
	}
	r.peers = append(r.peers, p)
	r.index[p.Addr] = p
	return nil
}

// Get looks up the live peer for addr.
func (r *Registry) Get(addr protocol.Addr) (*Peer, bool) {
	p, ok := r.index[addr]
	return p, ok
}

// Has reports whether addr has a live session.
func (r *Registry) Has(addr protocol.Addr) bool {
	_, ok := r.index[addr]
	return ok
}

// Remove deletes the peer for addr, keeping the order of the others.
func (r *Registry) Remove(addr protocol.Addr) (*Peer, bool) {
	p, ok := r.index[addr]
	if !ok {
		return nil, false
	}
	delete(r.index, addr)
	for i, candidate := range r.peers {
		if candidate == p {
			r.peers = append(r.peers[:i], r.peers[i+1:]...)
			break
		}
	}
	return p, true
}

// Clear removes every peer and returns them in connection order.
func (r *Registry) Clear() []*Peer {
	removed := r.peers
	r.peers = nil
	r.index = make(map[protocol.Addr]*Peer)
	return removed
}

// Len returns the number of live peers.
func (r *Registry) Len() int {
	return len(r.peers)
}

// At returns the i-th peer in connection order.
func (r *Registry) At(i int) *Peer {
	return r.peers[i]
}

// Each calls fn for every peer in connection order over a copy of the list,
// so fn may remove peers.
func (r *Registry) Each(fn func(*Peer)) {
	for _, p := range append([]*Peer(nil), r.peers...) {
		fn(p)
	}
}

// Snapshot returns value copies of every peer in connection order.
func (r *Registry) Snapshot() []Peer {
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}
