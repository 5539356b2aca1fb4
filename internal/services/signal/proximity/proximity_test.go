package proximity

import (
	"math"
	"testing"
)

func TestDistance(t *testing.T) {
	d := Distance(Position{}, Position{X: 3, Y: 4})
	if d != 5 {
		t.Fatalf("distance = %v, want 5", d)
	}
	if got := Distance(Position{X: 1, Y: 2, Z: 3}, Position{X: 1, Y: 2, Z: 3}); got != 0 {
		t.Fatalf("distance = %v, want 0", got)
	}
}

func TestVolumeFalloff(t *testing.T) {
	if got := Volume(0, 10); got != 1 {
		t.Fatalf("volume at 0 = %v, want 1", got)
	}
	if got := Volume(5, 10); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("volume at half distance = %v, want 0.5", got)
	}
	// The floor keeps edge-of-range peers faintly audible.
	if got := Volume(10, 10); got != 0.1 {
		t.Fatalf("volume at cull radius = %v, want 0.1", got)
	}
	if got := Volume(9.9, 10); got != 0.1 {
		t.Fatalf("volume near cull radius = %v, want floor 0.1", got)
	}
}

func TestCullPartitionsAudibleAndMuted(t *testing.T) {
	listener := Peer{ID: "a", Position: Position{}}
	peers := []Peer{
		listener,
		{ID: "b", Position: Position{X: 5}},
		{ID: "c", Position: Position{X: 15}},
	}

	result := Cull(listener, peers, 10)

	if len(result.Audible) != 1 {
		t.Fatalf("audible = %+v", result.Audible)
	}
	audible := result.Audible[0]
	if audible.PeerID != "b" || audible.Distance != 5 || audible.Volume != 0.5 {
		t.Fatalf("audible = %+v", audible)
	}

	if len(result.Muted) != 1 || result.Muted[0] != "c" {
		t.Fatalf("muted = %+v", result.Muted)
	}
}

func TestCullExcludesListener(t *testing.T) {
	listener := Peer{ID: "a"}
	result := Cull(listener, []Peer{listener}, 10)
	if len(result.Audible) != 0 || len(result.Muted) != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestCullRoundsToTwoDecimals(t *testing.T) {
	listener := Peer{ID: "a", Position: Position{}}
	peers := []Peer{{ID: "b", Position: Position{X: 1, Y: 1, Z: 1}}}

	result := Cull(listener, peers, 10)
	if len(result.Audible) != 1 {
		t.Fatalf("audible = %+v", result.Audible)
	}
	// sqrt(3) = 1.7320..., rounded on the wire.
	if result.Audible[0].Distance != 1.73 {
		t.Fatalf("distance = %v, want 1.73", result.Audible[0].Distance)
	}
	if result.Audible[0].Volume != 0.83 {
		t.Fatalf("volume = %v, want 0.83", result.Audible[0].Volume)
	}
}

func TestCullZeroCullDistanceUsesDefault(t *testing.T) {
	listener := Peer{ID: "a"}
	peers := []Peer{{ID: "b", Position: Position{X: 5}}}

	result := Cull(listener, peers, 0)
	if len(result.Audible) != 1 || result.Audible[0].Volume != 0.5 {
		t.Fatalf("result = %+v", result)
	}
}
