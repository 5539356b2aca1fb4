package server

import (
	"sync"

	"github.com/antigravityto/vrcomms/internal/services/signal/proximity"
)

const defaultZoneCapacity = 8

// zoneRegistry tracks every active voice zone. The registry map has its own
// mutex and each zone owns another, so signaling in one zone never blocks
// joins in a different zone.
type zoneRegistry struct {
	mu       sync.Mutex
	capacity int
	zones    map[string]*voiceZone
}

func newZoneRegistry(capacity int) *zoneRegistry {
	if capacity <= 0 {
		capacity = defaultZoneCapacity
	}
	return &zoneRegistry{
		capacity: capacity,
		zones:    make(map[string]*voiceZone),
	}
}

func (r *zoneRegistry) zone(zoneID string) *voiceZone {
	r.mu.Lock()
	defer r.mu.Unlock()

	zone, ok := r.zones[zoneID]
	if ok {
		return zone
	}

	zone = newVoiceZone(zoneID, r.capacity)
	r.zones[zoneID] = zone
	return zone
}

func (r *zoneRegistry) lookup(zoneID string) (*voiceZone, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	zone, ok := r.zones[zoneID]
	return zone, ok
}

// discard drops an emptied zone, but only if it was not re-created in the
// meantime.
func (r *zoneRegistry) discard(zoneID string, zone *voiceZone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.zones[zoneID]; ok && current == zone {
		delete(r.zones, zoneID)
	}
}

func (r *zoneRegistry) snapshot() []zoneSummary {
	r.mu.Lock()
	zones := make([]*voiceZone, 0, len(r.zones))
	for _, zone := range r.zones {
		zones = append(zones, zone)
	}
	r.mu.Unlock()

	summaries := make([]zoneSummary, 0, len(zones))
	for _, zone := range zones {
		summaries = append(summaries, zone.summary())
	}
	return summaries
}

// zonePeer is one registered voice participant. All fields are guarded by
// the owning zone's mutex; writer is safe to use without it.
type zonePeer struct {
	peerID      string
	userID      string
	displayName string
	muted       bool
	speaking    bool
	volume      float64
	position    proximity.Position
	writer      *wsPeer
}

// wirePeer is the client-facing view of a zone peer.
type wirePeer struct {
	PeerID      string             `json:"peerId"`
	UserID      string             `json:"userId"`
	DisplayName string             `json:"displayName,omitempty"`
	Muted       bool               `json:"muted"`
	Speaking    bool               `json:"speaking"`
	Volume      float64            `json:"volume"`
	Position    proximity.Position `json:"position"`
}

type zoneSummary struct {
	ZoneID    string `json:"zoneId"`
	PeerCount int    `json:"peerCount"`
	Capacity  int    `json:"capacity"`
}

type voiceZone struct {
	mu       sync.Mutex
	zoneID   string
	capacity int
	peers    map[string]*zonePeer
}

func newVoiceZone(zoneID string, capacity int) *voiceZone {
	return &voiceZone{
		zoneID:   zoneID,
		capacity: capacity,
		peers:    make(map[string]*zonePeer),
	}
}

// add registers the peer unless the zone is already at capacity. The size
// check happens strictly before insertion.
func (z *voiceZone) add(peer *zonePeer) ([]wirePeer, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if len(z.peers) >= z.capacity {
		return nil, false
	}

	existing := make([]wirePeer, 0, len(z.peers))
	for _, other := range z.peers {
		existing = append(existing, toWirePeer(other))
	}
	z.peers[peer.peerID] = peer
	return existing, true
}

// remove detaches the peer and reports whether the zone emptied.
func (z *voiceZone) remove(peerID string) (removed bool, empty bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if _, ok := z.peers[peerID]; !ok {
		return false, len(z.peers) == 0
	}
	delete(z.peers, peerID)
	return true, len(z.peers) == 0
}

// writerFor resolves a relay target's connection within this zone.
func (z *voiceZone) writerFor(peerID string) (*wsPeer, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	peer, ok := z.peers[peerID]
	if !ok {
		return nil, false
	}
	return peer.writer, true
}

func (z *voiceZone) setVoiceState(peerID string, muted, speaking *bool, volume *float64) (wirePeer, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	peer, ok := z.peers[peerID]
	if !ok {
		return wirePeer{}, false
	}
	if muted != nil {
		peer.muted = *muted
	}
	if speaking != nil {
		peer.speaking = *speaking
	}
	if volume != nil {
		peer.volume = *volume
	}
	return toWirePeer(peer), true
}

// setPosition moves the peer and returns the zone's positions for the
// proximity recompute.
func (z *voiceZone) setPosition(peerID string, position proximity.Position) ([]proximity.Peer, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()

	peer, ok := z.peers[peerID]
	if !ok {
		return nil, false
	}
	peer.position = position

	peers := make([]proximity.Peer, 0, len(z.peers))
	for _, other := range z.peers {
		peers = append(peers, proximity.Peer{ID: other.peerID, Position: other.position})
	}
	return peers, true
}

func (z *voiceZone) snapshot() []wirePeer {
	z.mu.Lock()
	defer z.mu.Unlock()

	peers := make([]wirePeer, 0, len(z.peers))
	for _, peer := range z.peers {
		peers = append(peers, toWirePeer(peer))
	}
	return peers
}

func (z *voiceZone) summary() zoneSummary {
	z.mu.Lock()
	defer z.mu.Unlock()
	return zoneSummary{
		ZoneID:    z.zoneID,
		PeerCount: len(z.peers),
		Capacity:  z.capacity,
	}
}

// broadcast delivers the frame to every peer except the named one, which
// may be empty to reach the whole zone.
func (z *voiceZone) broadcast(frame wsFrame, exceptPeerID string) {
	z.mu.Lock()
	writers := make([]*wsPeer, 0, len(z.peers))
	for peerID, peer := range z.peers {
		if peerID == exceptPeerID {
			continue
		}
		writers = append(writers, peer.writer)
	}
	z.mu.Unlock()

	for _, writer := range writers {
		_ = writer.writeFrame(frame)
	}
}

func toWirePeer(peer *zonePeer) wirePeer {
	return wirePeer{
		PeerID:      peer.peerID,
		UserID:      peer.userID,
		DisplayName: peer.displayName,
		Muted:       peer.muted,
		Speaking:    peer.speaking,
		Volume:      peer.volume,
		Position:    peer.position,
	}
}
