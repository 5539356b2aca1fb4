package server

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

func newTestServer(t *testing.T, config Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(config))
	t.Cleanup(srv.Close)
	return srv
}

type testClient struct {
	conn    *websocket.Conn
	decoder *json.Decoder
}

func dialWS(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &testClient{conn: conn, decoder: json.NewDecoder(conn)}
}

func (c *testClient) send(t *testing.T, frameType string, payload any) {
	t.Helper()
	frame := wsFrame{Type: frameType}
	if payload != nil {
		frame.Payload = mustJSON(payload)
	}
	if err := json.NewEncoder(c.conn).Encode(frame); err != nil {
		t.Fatalf("send %s: %v", frameType, err)
	}
}

func (c *testClient) readFrame(t *testing.T) wsFrame {
	t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var frame wsFrame
	if err := c.decoder.Decode(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func (c *testClient) expectFrame(t *testing.T, frameType string) wsFrame {
	t.Helper()
	frame := c.readFrame(t)
	if frame.Type != frameType {
		t.Fatalf("frame type = %q, want %q (payload %s)", frame.Type, frameType, frame.Payload)
	}
	return frame
}

func (c *testClient) expectError(t *testing.T, code string) {
	t.Helper()
	frame := c.expectFrame(t, "error")
	var envelope wsErrorEnvelope
	decodePayload(t, frame, &envelope)
	if envelope.Error.Code != code {
		t.Fatalf("error code = %q, want %q", envelope.Error.Code, code)
	}
}

func decodePayload(t *testing.T, frame wsFrame, v any) {
	t.Helper()
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		t.Fatalf("decode %s payload: %v", frame.Type, err)
	}
}

func joinTestZone(t *testing.T, client *testClient, zoneID, userID string) zoneJoinedPayload {
	t.Helper()
	client.send(t, "join_voice_zone", joinZonePayload{
		ZoneID:      zoneID,
		UserID:      userID,
		DisplayName: "User " + userID,
	})
	frame := client.expectFrame(t, "zone_joined")
	var joined zoneJoinedPayload
	decodePayload(t, frame, &joined)
	return joined
}

func TestConnectedHelloCarriesICEConfig(t *testing.T) {
	srv := newTestServer(t, Config{})
	client := dialWS(t, srv)

	frame := client.expectFrame(t, "connected")
	var hello connectedPayload
	decodePayload(t, frame, &hello)
	if !strings.HasPrefix(hello.ConnectionID, "conn_") {
		t.Fatalf("connection id = %q", hello.ConnectionID)
	}
	if len(hello.ICEServers) != len(DefaultSTUNServers) {
		t.Fatalf("ice servers = %+v", hello.ICEServers)
	}
	if hello.ICEServers[0].URLs != DefaultSTUNServers[0] {
		t.Fatalf("ice server = %+v", hello.ICEServers[0])
	}
}

func TestJoinZoneReturnsExistingPeers(t *testing.T) {
	srv := newTestServer(t, Config{})

	first := dialWS(t, srv)
	first.expectFrame(t, "connected")
	firstJoined := joinTestZone(t, first, "hub", "alice")
	if !strings.HasPrefix(firstJoined.PeerID, "peer_") {
		t.Fatalf("peer id = %q", firstJoined.PeerID)
	}
	if len(firstJoined.Peers) != 0 {
		t.Fatalf("expected empty zone, got %+v", firstJoined.Peers)
	}

	second := dialWS(t, srv)
	second.expectFrame(t, "connected")
	secondJoined := joinTestZone(t, second, "hub", "bob")
	if len(secondJoined.Peers) != 1 || secondJoined.Peers[0].PeerID != firstJoined.PeerID {
		t.Fatalf("peers = %+v", secondJoined.Peers)
	}

	frame := first.expectFrame(t, "new_peer")
	var arrival newPeerPayload
	decodePayload(t, frame, &arrival)
	if arrival.Peer.PeerID != secondJoined.PeerID || arrival.Peer.UserID != "bob" {
		t.Fatalf("new peer = %+v", arrival)
	}
	if !arrival.Peer.Muted {
		t.Fatal("expected new peers to start muted")
	}
}

func TestJoinZoneValidation(t *testing.T) {
	srv := newTestServer(t, Config{})
	client := dialWS(t, srv)
	client.expectFrame(t, "connected")

	client.send(t, "join_voice_zone", joinZonePayload{ZoneID: "hub"})
	client.expectError(t, "INVALID_JOIN")

	client.send(t, "join_voice_zone", joinZonePayload{UserID: "alice"})
	client.expectError(t, "INVALID_JOIN")
}

func TestZoneCapacityEnforced(t *testing.T) {
	srv := newTestServer(t, Config{})

	// Fill the zone to its 8-peer cap.
	occupants := make([]*testClient, 0, 8)
	for i := 0; i < 8; i++ {
		client := dialWS(t, srv)
		client.expectFrame(t, "connected")
		joinTestZone(t, client, "hub", fmt.Sprintf("user-%d", i))
		occupants = append(occupants, client)
	}

	latecomer := dialWS(t, srv)
	latecomer.expectFrame(t, "connected")
	latecomer.send(t, "join_voice_zone", joinZonePayload{ZoneID: "hub", UserID: "user-9"})
	latecomer.expectError(t, "ZONE_FULL")

	// One seat frees up and the same join succeeds.
	occupants[0].send(t, "leave_voice_zone", nil)
	occupants[0].expectFrame(t, "zone_left")

	deadline := time.Now().Add(5 * time.Second)
	for {
		joined := func() bool {
			latecomer.send(t, "join_voice_zone", joinZonePayload{ZoneID: "hub", UserID: "user-9"})
			frame := latecomer.readFrame(t)
			return frame.Type == "zone_joined"
		}()
		if joined {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("zone never freed a seat")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOfferRelayedOnlyToTarget(t *testing.T) {
	srv := newTestServer(t, Config{})

	caller := dialWS(t, srv)
	caller.expectFrame(t, "connected")
	callerJoined := joinTestZone(t, caller, "hub", "alice")

	callee := dialWS(t, srv)
	callee.expectFrame(t, "connected")
	calleeJoined := joinTestZone(t, callee, "hub", "bob")

	bystander := dialWS(t, srv)
	bystander.expectFrame(t, "connected")
	joinTestZone(t, bystander, "hub", "carol")

	caller.expectFrame(t, "new_peer")
	caller.expectFrame(t, "new_peer")
	callee.expectFrame(t, "new_peer")

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	caller.send(t, "offer", relayPayload{To: calleeJoined.PeerID, SDP: sdp})

	frame := callee.expectFrame(t, "offer")
	var relayed relayedPayload
	decodePayload(t, frame, &relayed)
	if relayed.From != callerJoined.PeerID {
		t.Fatalf("from = %q, want %q", relayed.From, callerJoined.PeerID)
	}
	if string(relayed.SDP) != string(sdp) {
		t.Fatalf("sdp = %s", relayed.SDP)
	}

	// The bystander's next frame is the voice state change, proving the
	// offer was not broadcast to the zone.
	unmute := false
	caller.send(t, "voice_state", voiceStatePayload{Muted: &unmute})
	state := bystander.expectFrame(t, "peer_voice_state")
	var voiceState peerVoiceStatePayload
	decodePayload(t, state, &voiceState)
	if voiceState.PeerID != callerJoined.PeerID || voiceState.Muted {
		t.Fatalf("voice state = %+v", voiceState)
	}
}

func TestRelayToUnknownPeer(t *testing.T) {
	srv := newTestServer(t, Config{})
	client := dialWS(t, srv)
	client.expectFrame(t, "connected")
	joinTestZone(t, client, "hub", "alice")

	client.send(t, "offer", relayPayload{To: "peer_missing", SDP: json.RawMessage(`{}`)})
	frame := client.expectFrame(t, "peer_unavailable")
	var unavailable peerUnavailablePayload
	decodePayload(t, frame, &unavailable)
	if unavailable.PeerID != "peer_missing" {
		t.Fatalf("peer id = %q", unavailable.PeerID)
	}
}

func TestRelayRequiresZone(t *testing.T) {
	srv := newTestServer(t, Config{})
	client := dialWS(t, srv)
	client.expectFrame(t, "connected")

	client.send(t, "offer", relayPayload{To: "peer_x", SDP: json.RawMessage(`{}`)})
	client.expectError(t, "NOT_IN_ZONE")
}

func TestRelayValidation(t *testing.T) {
	srv := newTestServer(t, Config{})
	client := dialWS(t, srv)
	client.expectFrame(t, "connected")
	joinTestZone(t, client, "hub", "alice")

	client.send(t, "offer", relayPayload{To: "peer_x"})
	client.expectError(t, "INVALID_OFFER")

	client.send(t, "answer", relayPayload{SDP: json.RawMessage(`{}`)})
	client.expectError(t, "INVALID_ANSWER")
}

func TestAnswerAndCandidateRelay(t *testing.T) {
	srv := newTestServer(t, Config{})

	caller := dialWS(t, srv)
	caller.expectFrame(t, "connected")
	callerJoined := joinTestZone(t, caller, "hub", "alice")

	callee := dialWS(t, srv)
	callee.expectFrame(t, "connected")
	calleeJoined := joinTestZone(t, callee, "hub", "bob")
	caller.expectFrame(t, "new_peer")

	callee.send(t, "answer", relayPayload{To: callerJoined.PeerID, SDP: json.RawMessage(`{"type":"answer"}`)})
	frame := caller.expectFrame(t, "answer")
	var answer relayedPayload
	decodePayload(t, frame, &answer)
	if answer.From != calleeJoined.PeerID {
		t.Fatalf("from = %q", answer.From)
	}

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 UDP 1 10.0.0.1 50000 typ host"}`)
	caller.send(t, "ice_candidate", relayPayload{To: calleeJoined.PeerID, Candidate: candidate})
	frame = callee.expectFrame(t, "ice_candidate")
	var relayed relayedPayload
	decodePayload(t, frame, &relayed)
	if relayed.From != callerJoined.PeerID || string(relayed.Candidate) != string(candidate) {
		t.Fatalf("relayed = %+v", relayed)
	}
}

func TestOfferTimeoutWarning(t *testing.T) {
	srv := newTestServer(t, Config{OfferTimeout: 50 * time.Millisecond})

	caller := dialWS(t, srv)
	caller.expectFrame(t, "connected")
	joinTestZone(t, caller, "hub", "alice")

	callee := dialWS(t, srv)
	callee.expectFrame(t, "connected")
	calleeJoined := joinTestZone(t, callee, "hub", "bob")
	caller.expectFrame(t, "new_peer")

	caller.send(t, "offer", relayPayload{To: calleeJoined.PeerID, SDP: json.RawMessage(`{}`)})
	callee.expectFrame(t, "offer")

	frame := caller.expectFrame(t, "peer_timeout_warning")
	var warning peerTimeoutPayload
	decodePayload(t, frame, &warning)
	if warning.PeerID != calleeJoined.PeerID {
		t.Fatalf("warned about %q, want %q", warning.PeerID, calleeJoined.PeerID)
	}
}

func TestCullUpdateOnPosition(t *testing.T) {
	srv := newTestServer(t, Config{})

	listener := dialWS(t, srv)
	listener.expectFrame(t, "connected")
	joinTestZone(t, listener, "hub", "alice")

	near := dialWS(t, srv)
	near.expectFrame(t, "connected")
	nearJoined := joinTestZone(t, near, "hub", "bob")

	far := dialWS(t, srv)
	far.expectFrame(t, "connected")
	farJoined := joinTestZone(t, far, "hub", "carol")

	listener.expectFrame(t, "new_peer")
	listener.expectFrame(t, "new_peer")

	near.send(t, "position", positionPayload{X: 5})
	near.expectFrame(t, "cull_update")
	far.send(t, "position", positionPayload{X: 15})
	far.expectFrame(t, "cull_update")

	listener.send(t, "position", positionPayload{})
	frame := listener.expectFrame(t, "cull_update")
	var cull cullUpdatePayload
	decodePayload(t, frame, &cull)

	if len(cull.AudiblePeers) != 1 {
		t.Fatalf("audible = %+v", cull.AudiblePeers)
	}
	audible := cull.AudiblePeers[0]
	if audible.PeerID != nearJoined.PeerID || audible.Distance != 5 || audible.Volume != 0.5 {
		t.Fatalf("audible = %+v", audible)
	}
	if len(cull.MutedPeers) != 1 || cull.MutedPeers[0] != farJoined.PeerID {
		t.Fatalf("muted = %+v", cull.MutedPeers)
	}
}

func TestLeaveZoneIsIdempotent(t *testing.T) {
	srv := newTestServer(t, Config{})

	leaver := dialWS(t, srv)
	leaver.expectFrame(t, "connected")
	joined := joinTestZone(t, leaver, "hub", "alice")

	observer := dialWS(t, srv)
	observer.expectFrame(t, "connected")
	joinTestZone(t, observer, "hub", "bob")
	leaver.expectFrame(t, "new_peer")

	leaver.send(t, "leave_voice_zone", nil)
	frame := leaver.expectFrame(t, "zone_left")
	var left zoneLeftPayload
	decodePayload(t, frame, &left)
	if left.ZoneID != "hub" {
		t.Fatalf("zone id = %q", left.ZoneID)
	}

	leaver.send(t, "leave_voice_zone", nil)
	frame = leaver.expectFrame(t, "zone_left")
	decodePayload(t, frame, &left)
	if left.ZoneID != "" {
		t.Fatalf("second leave zone id = %q, want empty", left.ZoneID)
	}

	departure := observer.expectFrame(t, "peer_left")
	var peerLeft peerLeftPayload
	decodePayload(t, departure, &peerLeft)
	if peerLeft.PeerID != joined.PeerID {
		t.Fatalf("departed = %+v", peerLeft)
	}

	// No duplicate peer_left queued: the next frame the observer sees is
	// a fresh arrival.
	third := dialWS(t, srv)
	third.expectFrame(t, "connected")
	joinTestZone(t, third, "hub", "carol")
	observer.expectFrame(t, "new_peer")
}

func TestDisconnectNotifiesZone(t *testing.T) {
	srv := newTestServer(t, Config{})

	transient := dialWS(t, srv)
	transient.expectFrame(t, "connected")
	joined := joinTestZone(t, transient, "hub", "alice")

	observer := dialWS(t, srv)
	observer.expectFrame(t, "connected")
	joinTestZone(t, observer, "hub", "bob")
	transient.expectFrame(t, "new_peer")

	if err := transient.conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	frame := observer.expectFrame(t, "peer_left")
	var peerLeft peerLeftPayload
	decodePayload(t, frame, &peerLeft)
	if peerLeft.PeerID != joined.PeerID {
		t.Fatalf("departed = %+v", peerLeft)
	}
}

func TestVoiceStateRequiresZone(t *testing.T) {
	srv := newTestServer(t, Config{})
	client := dialWS(t, srv)
	client.expectFrame(t, "connected")

	muted := true
	client.send(t, "voice_state", voiceStatePayload{Muted: &muted})
	client.expectError(t, "NOT_IN_ZONE")

	client.send(t, "position", positionPayload{X: 1})
	client.expectError(t, "NOT_IN_ZONE")
}
