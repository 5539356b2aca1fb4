// Package proximity computes which voice peers are audible to a listener
// based on 3-D distance, with a linear volume falloff and a hard cull radius.
package proximity

import "math"

// DefaultCullDistance is the radius in world units beyond which a peer is
// culled from the listener's mix.
const DefaultCullDistance = 10.0

// minVolume keeps in-range peers faintly audible instead of fading to zero.
const minVolume = 0.1

// Position is a point in the shared world space.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Peer is one voice participant as seen by the culling computation.
type Peer struct {
	ID       string
	Position Position
}

// AudiblePeer is a peer within the cull radius, with the gain the listener
// should apply to its stream.
type AudiblePeer struct {
	PeerID   string  `json:"peerId"`
	Distance float64 `json:"distance"`
	Volume   float64 `json:"volume"`
}

// Result partitions a zone's peers into audible and culled sets for one
// listener.
type Result struct {
	Audible []AudiblePeer `json:"audiblePeers"`
	Muted   []string      `json:"mutedPeers"`
}

// Distance is the Euclidean distance between two positions.
func Distance(a, b Position) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Volume maps a distance to a gain in [minVolume, 1]: linear falloff from 1
// at distance zero down to the floor at the cull radius.
func Volume(distance, cullDistance float64) float64 {
	if cullDistance <= 0 {
		cullDistance = DefaultCullDistance
	}
	return math.Max(minVolume, 1-distance/cullDistance)
}

// Cull recomputes audibility for the listener against every other peer in
// the zone. The computation is stateless and O(len(peers)); distances and
// volumes are rounded to two decimals for the wire.
func Cull(listener Peer, peers []Peer, cullDistance float64) Result {
	if cullDistance <= 0 {
		cullDistance = DefaultCullDistance
	}

	result := Result{
		Audible: []AudiblePeer{},
		Muted:   []string{},
	}
	for _, peer := range peers {
		if peer.ID == listener.ID {
			continue
		}
		d := Distance(listener.Position, peer.Position)
		if d > cullDistance {
			result.Muted = append(result.Muted, peer.ID)
			continue
		}
		result.Audible = append(result.Audible, AudiblePeer{
			PeerID:   peer.ID,
			Distance: round2(d),
			Volume:   round2(Volume(d, cullDistance)),
		})
	}
	return result
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
