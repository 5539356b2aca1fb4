package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/antigravityto/vrcomms/internal/platform/id"
	"github.com/antigravityto/vrcomms/internal/services/signal/proximity"
)

const (
	maxFramePayloadBytes   = 64 * 1024
	maxDecodeErrorsPerConn = 3
)

type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type connectedPayload struct {
	ConnectionID string      `json:"connectionId"`
	ServerTime   int64       `json:"serverTime"`
	ICEServers   []iceServer `json:"iceServers"`
}

type joinZonePayload struct {
	ZoneID      string `json:"zoneId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type zoneJoinedPayload struct {
	ZoneID string     `json:"zoneId"`
	PeerID string     `json:"peerId"`
	Peers  []wirePeer `json:"peers"`
}

type newPeerPayload struct {
	ZoneID string   `json:"zoneId"`
	Peer   wirePeer `json:"peer"`
}

type zoneLeftPayload struct {
	ZoneID string `json:"zoneId"`
}

type peerLeftPayload struct {
	ZoneID string `json:"zoneId"`
	PeerID string `json:"peerId"`
}

type relayPayload struct {
	To        string          `json:"to"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type relayedPayload struct {
	From      string          `json:"from"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type peerUnavailablePayload struct {
	PeerID string `json:"peerId"`
}

type peerTimeoutPayload struct {
	PeerID string `json:"peerId"`
}

type voiceStatePayload struct {
	Muted    *bool    `json:"muted,omitempty"`
	Speaking *bool    `json:"speaking,omitempty"`
	Volume   *float64 `json:"volume,omitempty"`
}

type peerVoiceStatePayload struct {
	ZoneID   string  `json:"zoneId"`
	PeerID   string  `json:"peerId"`
	Muted    bool    `json:"muted"`
	Speaking bool    `json:"speaking"`
	Volume   float64 `json:"volume"`
}

type positionPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type cullUpdatePayload struct {
	ZoneID       string                  `json:"zoneId"`
	AudiblePeers []proximity.AudiblePeer `json:"audiblePeers"`
	MutedPeers   []string                `json:"mutedPeers"`
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// signalSession is the per-connection state. The closed flag suppresses
// pending offer-timeout warnings once the transport is gone.
type signalSession struct {
	mu     sync.Mutex
	peerID string
	zone   *voiceZone
	peer   *wsPeer
	closed atomic.Bool
}

func newSignalSession(peer *wsPeer) *signalSession {
	return &signalSession{peer: peer}
}

func (s *signalSession) setZone(zone *voiceZone, peerID string) (*voiceZone, string) {
	s.mu.Lock()
	previousZone := s.zone
	previousPeerID := s.peerID
	s.zone = zone
	s.peerID = peerID
	s.mu.Unlock()
	return previousZone, previousPeerID
}

func (s *signalSession) currentZone() (*voiceZone, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zone, s.peerID
}

// takeZone clears and returns the current membership; the second caller
// gets nil.
func (s *signalSession) takeZone() (*voiceZone, string) {
	s.mu.Lock()
	zone := s.zone
	peerID := s.peerID
	s.zone = nil
	s.peerID = ""
	s.mu.Unlock()
	return zone, peerID
}

func handleWSConn(conn *websocket.Conn, deps *wsDeps) {
	defer func() {
		_ = conn.Close()
	}()

	deps.connections.Add(1)
	defer deps.connections.Add(-1)

	connectionID, err := id.NewHandle("conn", 12)
	if err != nil {
		log.Printf("signal: allocate connection id: %v", err)
		return
	}

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	session := newSignalSession(peer)
	defer disconnectCleanup(session, deps)

	_ = peer.writeFrame(wsFrame{
		Type: "connected",
		Payload: mustJSON(connectedPayload{
			ConnectionID: connectionID,
			ServerTime:   time.Now().UnixMilli(),
			ICEServers:   deps.iceServers,
		}),
	})

	decodeErrors := 0
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "INVALID_FRAME", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, "INVALID_FRAME", "payload too large")
			continue
		}

		switch frame.Type {
		case "join_voice_zone":
			handleJoinZoneFrame(session, deps, frame)
		case "leave_voice_zone":
			handleLeaveZoneFrame(session, deps)
		case "offer":
			handleOfferFrame(session, deps, frame)
		case "answer":
			handleAnswerFrame(session, frame)
		case "ice_candidate":
			handleCandidateFrame(session, frame)
		case "voice_state":
			handleVoiceStateFrame(session, frame)
		case "position":
			handlePositionFrame(session, deps, frame)
		default:
			_ = writeWSError(peer, "INVALID_FRAME", "unsupported frame type")
		}
	}
}

func handleJoinZoneFrame(session *signalSession, deps *wsDeps, frame wsFrame) {
	var payload joinZonePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, "INVALID_JOIN", "invalid join payload")
		return
	}

	zoneID := strings.TrimSpace(payload.ZoneID)
	userID := strings.TrimSpace(payload.UserID)
	if zoneID == "" || userID == "" {
		_ = writeWSError(session.peer, "INVALID_JOIN", "zoneId and userId are required")
		return
	}

	peerID, err := id.NewHandle("peer", 12)
	if err != nil {
		log.Printf("signal: allocate peer id: %v", err)
		_ = writeWSError(session.peer, "INTERNAL_ERROR", "failed to join zone")
		return
	}

	zone := deps.zones.zone(zoneID)
	newPeer := &zonePeer{
		peerID:      peerID,
		userID:      userID,
		displayName: strings.TrimSpace(payload.DisplayName),
		muted:       true,
		writer:      session.peer,
	}

	existing, ok := zone.add(newPeer)
	if !ok {
		_ = writeWSError(session.peer, "ZONE_FULL", "voice zone is at capacity")
		return
	}

	// Only after the seat is secured does the old zone get released.
	previousZone, previousPeerID := session.setZone(zone, peerID)
	if previousZone != nil && previousZone != zone {
		detachPeer(previousZone, previousPeerID, deps)
	}

	_ = session.peer.writeFrame(wsFrame{
		Type: "zone_joined",
		Payload: mustJSON(zoneJoinedPayload{
			ZoneID: zoneID,
			PeerID: peerID,
			Peers:  existing,
		}),
	})

	zone.broadcast(wsFrame{
		Type: "new_peer",
		Payload: mustJSON(newPeerPayload{
			ZoneID: zoneID,
			Peer:   toWirePeer(newPeer),
		}),
	}, peerID)
}

// handleLeaveZoneFrame is idempotent: leaving with no active zone still
// acks and emits no departure broadcast.
func handleLeaveZoneFrame(session *signalSession, deps *wsDeps) {
	zone, peerID := session.takeZone()
	if zone == nil {
		_ = session.peer.writeFrame(wsFrame{Type: "zone_left", Payload: mustJSON(zoneLeftPayload{})})
		return
	}

	detachPeer(zone, peerID, deps)
	_ = session.peer.writeFrame(wsFrame{Type: "zone_left", Payload: mustJSON(zoneLeftPayload{ZoneID: zone.zoneID})})
}

// detachPeer removes the peer from the zone, discards the zone if it
// emptied, and notifies the remaining peers.
func detachPeer(zone *voiceZone, peerID string, deps *wsDeps) {
	removed, empty := zone.remove(peerID)
	if empty {
		deps.zones.discard(zone.zoneID, zone)
	}
	if !removed || empty {
		return
	}
	zone.broadcast(wsFrame{
		Type:    "peer_left",
		Payload: mustJSON(peerLeftPayload{ZoneID: zone.zoneID, PeerID: peerID}),
	}, peerID)
}

func handleOfferFrame(session *signalSession, deps *wsDeps, frame wsFrame) {
	target, ok := relayFrame(session, frame, "offer", "INVALID_OFFER")
	if !ok {
		return
	}

	// Non-fatal nudge if negotiation stalls; the timer is never cancelled
	// by an answer, only suppressed when the offerer disconnects first.
	peer := session.peer
	time.AfterFunc(deps.offerTimeout, func() {
		if session.closed.Load() {
			return
		}
		_ = peer.writeFrame(wsFrame{
			Type:    "peer_timeout_warning",
			Payload: mustJSON(peerTimeoutPayload{PeerID: target}),
		})
	})
}

func handleAnswerFrame(session *signalSession, frame wsFrame) {
	relayFrame(session, frame, "answer", "INVALID_ANSWER")
}

func handleCandidateFrame(session *signalSession, frame wsFrame) {
	relayFrame(session, frame, "ice_candidate", "INVALID_FRAME")
}

// relayFrame forwards offer/answer/candidate payloads to the named target
// within the sender's zone, tagged with the sender's peer id. It never
// broadcasts. Returns the target id when the relay was delivered.
func relayFrame(session *signalSession, frame wsFrame, frameType, invalidCode string) (string, bool) {
	var payload relayPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, invalidCode, "invalid "+frameType+" payload")
		return "", false
	}

	target := strings.TrimSpace(payload.To)
	if target == "" {
		_ = writeWSError(session.peer, invalidCode, "target peer id is required")
		return "", false
	}
	if frameType != "ice_candidate" && len(payload.SDP) == 0 {
		_ = writeWSError(session.peer, invalidCode, "sdp is required")
		return "", false
	}
	if frameType == "ice_candidate" && len(payload.Candidate) == 0 {
		_ = writeWSError(session.peer, invalidCode, "candidate is required")
		return "", false
	}

	zone, senderPeerID := session.currentZone()
	if zone == nil {
		_ = writeWSError(session.peer, "NOT_IN_ZONE", "join a voice zone before signaling")
		return "", false
	}

	writer, ok := zone.writerFor(target)
	if !ok {
		_ = session.peer.writeFrame(wsFrame{
			Type:    "peer_unavailable",
			Payload: mustJSON(peerUnavailablePayload{PeerID: target}),
		})
		return "", false
	}

	_ = writer.writeFrame(wsFrame{
		Type: frameType,
		Payload: mustJSON(relayedPayload{
			From:      senderPeerID,
			SDP:       payload.SDP,
			Candidate: payload.Candidate,
		}),
	})
	return target, true
}

func handleVoiceStateFrame(session *signalSession, frame wsFrame) {
	zone, peerID := session.currentZone()
	if zone == nil {
		_ = writeWSError(session.peer, "NOT_IN_ZONE", "join a voice zone before updating voice state")
		return
	}

	var payload voiceStatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, "INVALID_FRAME", "invalid voice state payload")
		return
	}

	updated, ok := zone.setVoiceState(peerID, payload.Muted, payload.Speaking, payload.Volume)
	if !ok {
		_ = writeWSError(session.peer, "NOT_IN_ZONE", "peer is no longer registered")
		return
	}

	zone.broadcast(wsFrame{
		Type: "peer_voice_state",
		Payload: mustJSON(peerVoiceStatePayload{
			ZoneID:   zone.zoneID,
			PeerID:   peerID,
			Muted:    updated.Muted,
			Speaking: updated.Speaking,
			Volume:   updated.Volume,
		}),
	}, peerID)
}

// handlePositionFrame moves the peer then pushes a personalized cull update
// to the moving peer only.
func handlePositionFrame(session *signalSession, deps *wsDeps, frame wsFrame) {
	zone, peerID := session.currentZone()
	if zone == nil {
		_ = writeWSError(session.peer, "NOT_IN_ZONE", "join a voice zone before sending positions")
		return
	}

	var payload positionPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, "INVALID_FRAME", "invalid position payload")
		return
	}

	position := proximity.Position{X: payload.X, Y: payload.Y, Z: payload.Z}
	peers, ok := zone.setPosition(peerID, position)
	if !ok {
		_ = writeWSError(session.peer, "NOT_IN_ZONE", "peer is no longer registered")
		return
	}

	result := proximity.Cull(proximity.Peer{ID: peerID, Position: position}, peers, deps.cullDistance)
	_ = session.peer.writeFrame(wsFrame{
		Type: "cull_update",
		Payload: mustJSON(cullUpdatePayload{
			ZoneID:       zone.zoneID,
			AudiblePeers: result.Audible,
			MutedPeers:   result.Muted,
		}),
	})
}

// disconnectCleanup runs when the transport closes. takeZone guarantees the
// departure broadcast fires at most once per connection.
func disconnectCleanup(session *signalSession, deps *wsDeps) {
	session.closed.Store(true)
	zone, peerID := session.takeZone()
	if zone == nil {
		return
	}
	detachPeer(zone, peerID, deps)
}

func writeWSError(peer *wsPeer, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type: "error",
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:    code,
				Message: message,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
