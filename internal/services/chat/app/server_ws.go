package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/antigravityto/vrcomms/internal/platform/id"
	"github.com/antigravityto/vrcomms/internal/services/chat/storage"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxDecodeErrorsPerConn = 3

	maxMessageRunes = 1000
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

type userInfoPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type joinRoomPayload struct {
	RoomID   string          `json:"roomId"`
	UserInfo userInfoPayload `json:"userInfo"`
}

type leaveRoomPayload struct {
	RoomID string `json:"roomId,omitempty"`
}

type chatPayload struct {
	Content  string          `json:"content"`
	Type     string          `json:"type,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type typingPayload struct {
	IsTyping bool `json:"isTyping"`
}

type presencePayload struct {
	Status   string `json:"status"`
	Zone     string `json:"zone,omitempty"`
	MicMuted *bool  `json:"micMuted,omitempty"`
}

type voiceStatePayload struct {
	Muted    *bool    `json:"muted,omitempty"`
	Speaking *bool    `json:"speaking,omitempty"`
	Volume   *float64 `json:"volume,omitempty"`
}

type voiceStateBroadcastPayload struct {
	RoomID   string   `json:"roomId"`
	UserID   string   `json:"userId"`
	Muted    *bool    `json:"muted,omitempty"`
	Speaking *bool    `json:"speaking,omitempty"`
	Volume   *float64 `json:"volume,omitempty"`
}

type reconnectPayload struct {
	RoomID        string          `json:"roomId"`
	UserInfo      userInfoPayload `json:"userInfo"`
	LastMessageID int64           `json:"lastMessageId,omitempty"`
}

type connectedPayload struct {
	ConnectionID string `json:"connectionId"`
	ServerTime   int64  `json:"serverTime"`
}

type roomJoinedPayload struct {
	RoomID  string        `json:"roomId"`
	Users   []wireUser    `json:"users"`
	History []wireMessage `json:"history"`
}

type userJoinedPayload struct {
	RoomID string   `json:"roomId"`
	User   wireUser `json:"user"`
}

type roomLeftPayload struct {
	RoomID string `json:"roomId"`
}

type userLeftPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type messageAckPayload struct {
	ID        int64  `json:"id"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type typingBroadcastPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type presenceBroadcastPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	MicMuted *bool  `json:"micMuted,omitempty"`
}

type reconnectedPayload struct {
	RoomID         string        `json:"roomId"`
	SessionID      string        `json:"sessionId,omitempty"`
	Users          []wireUser    `json:"users"`
	History        []wireMessage `json:"history"`
	MissedMessages []wireMessage `json:"missedMessages"`
}

// wireUser is the presence view of a participant sent to clients.
type wireUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Status      string `json:"status"`
	MicMuted    bool   `json:"micMuted"`
	IsTyping    bool   `json:"isTyping"`
}

// wireMessage is the client-facing message shape. ID is the store sequence
// clients hand back as lastMessageId when they reconnect.
type wireMessage struct {
	ID          int64           `json:"id"`
	MessageID   string          `json:"messageId"`
	RoomID      string          `json:"roomId"`
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName,omitempty"`
	AvatarURL   string          `json:"avatarUrl,omitempty"`
	Content     string          `json:"content"`
	Type        string          `json:"type"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

func toWireUser(record storage.PresenceRecord) wireUser {
	return wireUser{
		ID:          record.UserID,
		DisplayName: record.DisplayName,
		AvatarURL:   record.AvatarURL,
		Status:      record.Status,
		MicMuted:    record.MicMuted,
		IsTyping:    record.IsTyping,
	}
}

func toWireMessage(msg storage.Message) wireMessage {
	return wireMessage{
		ID:          msg.Seq,
		MessageID:   msg.MessageID,
		RoomID:      msg.RoomID,
		UserID:      msg.UserID,
		DisplayName: msg.DisplayName,
		AvatarURL:   msg.AvatarURL,
		Content:     msg.Content,
		Type:        msg.Type,
		Metadata:    msg.Metadata,
		Timestamp:   msg.CreatedAt.UnixMilli(),
	}
}

func toWireMessages(msgs []storage.Message) []wireMessage {
	wire := make([]wireMessage, 0, len(msgs))
	for _, msg := range msgs {
		wire = append(wire, toWireMessage(msg))
	}
	return wire
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

// wsSession is the per-connection state. Room membership is swapped under
// the mutex so disconnect cleanup runs at most once even if leave_room and
// the transport close race.
type wsSession struct {
	mu           sync.Mutex
	userID       string
	connectionID string
	room         *chatRoom
	peer         *wsPeer
	limiter      *messageLimiter
}

func newWSSession(connectionID string, peer *wsPeer, limiter *messageLimiter) *wsSession {
	return &wsSession{
		connectionID: connectionID,
		peer:         peer,
		limiter:      limiter,
	}
}

func (s *wsSession) setUserID(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

func (s *wsSession) currentUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *wsSession) setRoom(next *chatRoom) *chatRoom {
	s.mu.Lock()
	previous := s.room
	s.room = next
	s.mu.Unlock()
	return previous
}

func (s *wsSession) currentRoom() *chatRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// takeRoom clears and returns the current room; the second caller gets nil.
func (s *wsSession) takeRoom() *chatRoom {
	s.mu.Lock()
	room := s.room
	s.room = nil
	s.mu.Unlock()
	return room
}

func handleWSConn(conn *websocket.Conn, deps *wsDeps) {
	defer func() {
		_ = conn.Close()
	}()

	deps.connections.Add(1)
	defer deps.connections.Add(-1)

	connectionID, err := id.NewHandle("conn", 12)
	if err != nil {
		log.Printf("chat: allocate connection id: %v", err)
		return
	}

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	session := newWSSession(connectionID, peer, newMessageLimiter(deps.rateLimitMessages, deps.rateLimitWindow))

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	defer disconnectCleanup(session, deps)

	_ = peer.writeFrame(wsFrame{
		Type: "connected",
		Payload: mustJSON(connectedPayload{
			ConnectionID: connectionID,
			ServerTime:   time.Now().UnixMilli(),
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
		case "join_room":
			handleJoinRoomFrame(ctx, session, deps, frame)
		case "leave_room":
			handleLeaveRoomFrame(ctx, session, deps)
		case "chat":
			handleChatFrame(ctx, session, deps, frame)
		case "typing":
			handleTypingFrame(ctx, session, deps, frame)
		case "presence":
			handlePresenceFrame(ctx, session, deps, frame)
		case "voice_state":
			handleVoiceStateFrame(ctx, session, deps, frame)
		case "reconnect":
			handleReconnectFrame(ctx, session, deps, frame)
		default:
			_ = writeWSError(peer, "INVALID_FRAME", "unsupported frame type")
		}
	}
}

// joinRoom is the shared join path for join_room and reconnect. It upserts
// the user, flips presence, swaps broadcast membership, and returns the room
// snapshot the joiner should see.
func joinRoom(ctx context.Context, session *wsSession, deps *wsDeps, roomID string, info userInfoPayload) (roomJoinedPayload, bool) {
	roomID = strings.TrimSpace(roomID)
	userID := strings.TrimSpace(info.ID)
	if roomID == "" || userID == "" {
		_ = writeWSError(session.peer, "INVALID_JOIN_REQUEST", "roomId and userInfo.id are required")
		return roomJoinedPayload{}, false
	}

	if _, err := deps.store.UpsertUser(ctx, userID, info.DisplayName, info.AvatarURL); err != nil {
		log.Printf("chat: upsert user %q: %v", userID, err)
		_ = writeWSError(session.peer, "INTERNAL_ERROR", "failed to join room")
		return roomJoinedPayload{}, false
	}
	if err := deps.store.UpdatePresence(ctx, userID, roomID, storage.StatusOnline, session.connectionID, storage.PresenceUpdate{}); err != nil {
		log.Printf("chat: update presence user=%q room=%q: %v", userID, roomID, err)
		_ = writeWSError(session.peer, "INTERNAL_ERROR", "failed to join room")
		return roomJoinedPayload{}, false
	}

	// Snapshot reads come before the membership swap so a store failure
	// aborts the join without disturbing the previous room.
	members, err := deps.store.UsersInRoom(ctx, roomID)
	if err != nil {
		log.Printf("chat: list room members room=%q: %v", roomID, err)
		_ = writeWSError(session.peer, "INTERNAL_ERROR", "failed to join room")
		return roomJoinedPayload{}, false
	}
	history, err := deps.store.GetMessageHistory(ctx, roomID, deps.historyLimit, 0)
	if err != nil {
		log.Printf("chat: load history room=%q: %v", roomID, err)
		_ = writeWSError(session.peer, "INTERNAL_ERROR", "failed to join room")
		return roomJoinedPayload{}, false
	}

	session.setUserID(userID)
	room := deps.hub.room(roomID)
	previous := session.setRoom(room)
	if previous != nil && previous != room {
		if previous.leave(session.peer) {
			deps.hub.discard(previous.roomID, previous)
		}
		previous.broadcast(wsFrame{
			Type:    "user_left",
			Payload: mustJSON(userLeftPayload{RoomID: previous.roomID, UserID: userID}),
		}, nil)
	}
	room.join(session.peer)

	users := make([]wireUser, 0, len(members))
	var joiner wireUser
	for _, member := range members {
		user := toWireUser(member)
		if member.UserID == userID {
			joiner = user
		}
		users = append(users, user)
	}
	if joiner.ID == "" {
		joiner = wireUser{ID: userID, DisplayName: info.DisplayName, AvatarURL: info.AvatarURL, Status: storage.StatusOnline, MicMuted: true}
	}

	room.broadcast(wsFrame{
		Type:    "user_joined",
		Payload: mustJSON(userJoinedPayload{RoomID: roomID, User: joiner}),
	}, session.peer)

	return roomJoinedPayload{
		RoomID:  roomID,
		Users:   users,
		History: toWireMessages(history),
	}, true
}

func handleJoinRoomFrame(ctx context.Context, session *wsSession, deps *wsDeps, frame wsFrame) {
	var payload joinRoomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, "INVALID_JOIN_REQUEST", "invalid join payload")
		return
	}

	joined, ok := joinRoom(ctx, session, deps, payload.RoomID, payload.UserInfo)
	if !ok {
		return
	}
	_ = session.peer.writeFrame(wsFrame{Type: "room_joined", Payload: mustJSON(joined)})
}

// handleLeaveRoomFrame is idempotent: a leave with no active room still acks
// but emits no departure broadcast.
func handleLeaveRoomFrame(ctx context.Context, session *wsSession, deps *wsDeps) {
	room := session.takeRoom()
	if room == nil {
		_ = session.peer.writeFrame(wsFrame{Type: "room_left", Payload: mustJSON(roomLeftPayload{})})
		return
	}

	userID := session.currentUserID()
	if err := deps.store.SetUserOffline(ctx, userID); err != nil {
		log.Printf("chat: set user offline user=%q: %v", userID, err)
	}
	if room.leave(session.peer) {
		deps.hub.discard(room.roomID, room)
	}
	room.broadcast(wsFrame{
		Type:    "user_left",
		Payload: mustJSON(userLeftPayload{RoomID: room.roomID, UserID: userID}),
	}, nil)

	_ = session.peer.writeFrame(wsFrame{Type: "room_left", Payload: mustJSON(roomLeftPayload{RoomID: room.roomID})})
}

func handleChatFrame(ctx context.Context, session *wsSession, deps *wsDeps, frame wsFrame) {
	room := session.currentRoom()
	if room == nil {
		_ = writeWSError(session.peer, "NOT_IN_ROOM", "join a room before sending messages")
		return
	}

	if !session.limiter.allow(time.Now()) {
		_ = writeWSError(session.peer, "RATE_LIMITED", "message rate limit exceeded")
		return
	}

	var payload chatPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, "EMPTY_MESSAGE", "invalid message payload")
		return
	}

	content := strings.TrimSpace(payload.Content)
	if content == "" {
		_ = writeWSError(session.peer, "EMPTY_MESSAGE", "message content is required")
		return
	}
	content = truncateRunes(content, maxMessageRunes)

	msgType := strings.TrimSpace(payload.Type)
	if msgType == "" {
		msgType = "text"
	}

	msg, err := deps.store.StoreMessage(ctx, room.roomID, session.currentUserID(), content, msgType, payload.Metadata)
	if err != nil {
		log.Printf("chat: store message room=%q: %v", room.roomID, err)
		_ = writeWSError(session.peer, "INTERNAL_ERROR", "failed to store message")
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type: "message_ack",
		Payload: mustJSON(messageAckPayload{
			ID:        msg.Seq,
			MessageID: msg.MessageID,
			Status:    "sent",
			Timestamp: msg.CreatedAt.UnixMilli(),
		}),
	})

	room.broadcast(wsFrame{
		Type:    "message",
		Payload: mustJSON(toWireMessage(msg)),
	}, session.peer)
}

// typing is fire-and-forget: no room means nothing to notify, no error.
func handleTypingFrame(ctx context.Context, session *wsSession, deps *wsDeps, frame wsFrame) {
	room := session.currentRoom()
	if room == nil {
		return
	}

	var payload typingPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}

	userID := session.currentUserID()
	if err := deps.store.SetTyping(ctx, userID, payload.IsTyping); err != nil {
		log.Printf("chat: set typing user=%q: %v", userID, err)
	}

	room.broadcast(wsFrame{
		Type: "typing",
		Payload: mustJSON(typingBroadcastPayload{
			RoomID:   room.roomID,
			UserID:   userID,
			IsTyping: payload.IsTyping,
		}),
	}, session.peer)
}

func handlePresenceFrame(ctx context.Context, session *wsSession, deps *wsDeps, frame wsFrame) {
	var payload presencePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}
	status := strings.TrimSpace(payload.Status)
	if status == "" {
		return
	}

	userID := session.currentUserID()
	if userID == "" {
		return
	}

	room := session.currentRoom()
	if status == storage.StatusOffline {
		if err := deps.store.SetUserOffline(ctx, userID); err != nil {
			log.Printf("chat: set user offline user=%q: %v", userID, err)
		}
	} else {
		roomID := strings.TrimSpace(payload.Zone)
		if roomID == "" && room != nil {
			roomID = room.roomID
		}
		err := deps.store.UpdatePresence(ctx, userID, roomID, status, session.connectionID, storage.PresenceUpdate{MicMuted: payload.MicMuted})
		if err != nil {
			log.Printf("chat: update presence user=%q: %v", userID, err)
		}
	}

	if room == nil {
		return
	}
	room.broadcast(wsFrame{
		Type: "presence",
		Payload: mustJSON(presenceBroadcastPayload{
			RoomID:   room.roomID,
			UserID:   userID,
			Status:   status,
			MicMuted: payload.MicMuted,
		}),
	}, session.peer)
}

// voice_state mirrors typing: no room means nobody to notify. A mic toggle
// is persisted so room snapshots show the right mute flag.
func handleVoiceStateFrame(ctx context.Context, session *wsSession, deps *wsDeps, frame wsFrame) {
	room := session.currentRoom()
	if room == nil {
		return
	}

	var payload voiceStatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}

	userID := session.currentUserID()
	if payload.Muted != nil {
		if err := deps.store.SetMicMuted(ctx, userID, *payload.Muted); err != nil {
			log.Printf("chat: set mic muted user=%q: %v", userID, err)
		}
	}

	room.broadcast(wsFrame{
		Type: "voice_state",
		Payload: mustJSON(voiceStateBroadcastPayload{
			RoomID:   room.roomID,
			UserID:   userID,
			Muted:    payload.Muted,
			Speaking: payload.Speaking,
			Volume:   payload.Volume,
		}),
	}, session.peer)
}

// handleReconnectFrame rejoins the room and replays every message stored
// after the client's cursor, in order, so the client fills its gap without
// duplicates.
func handleReconnectFrame(ctx context.Context, session *wsSession, deps *wsDeps, frame wsFrame) {
	var payload reconnectPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, "INVALID_JOIN_REQUEST", "invalid reconnect payload")
		return
	}

	joined, ok := joinRoom(ctx, session, deps, payload.RoomID, payload.UserInfo)
	if !ok {
		return
	}

	missed := []storage.Message{}
	if payload.LastMessageID > 0 {
		var err error
		missed, err = deps.store.GetMessagesAfter(ctx, joined.RoomID, payload.LastMessageID)
		if err != nil {
			log.Printf("chat: load missed messages room=%q after=%d: %v", joined.RoomID, payload.LastMessageID, err)
			_ = writeWSError(session.peer, "INTERNAL_ERROR", "failed to recover missed messages")
			return
		}
	}

	cursor := payload.LastMessageID
	if len(missed) > 0 {
		cursor = missed[len(missed)-1].Seq
	}
	sessionID, err := deps.store.CreateSession(ctx, session.currentUserID(), joined.RoomID, cursor, deps.sessionTTL)
	if err != nil {
		log.Printf("chat: create recovery session user=%q: %v", session.currentUserID(), err)
	}

	_ = session.peer.writeFrame(wsFrame{
		Type: "reconnected",
		Payload: mustJSON(reconnectedPayload{
			RoomID:         joined.RoomID,
			SessionID:      sessionID,
			Users:          joined.Users,
			History:        joined.History,
			MissedMessages: toWireMessages(missed),
		}),
	})
}

// disconnectCleanup runs when the transport closes. takeRoom guarantees the
// departure broadcast fires at most once per connection.
func disconnectCleanup(session *wsSession, deps *wsDeps) {
	room := session.takeRoom()
	if room == nil {
		return
	}

	userID := session.currentUserID()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := deps.store.SetUserOffline(ctx, userID); err != nil {
		log.Printf("chat: set user offline on disconnect user=%q: %v", userID, err)
	}

	if room.leave(session.peer) {
		deps.hub.discard(room.roomID, room)
	}
	room.broadcast(wsFrame{
		Type:    "user_left",
		Payload: mustJSON(userLeftPayload{RoomID: room.roomID, UserID: userID}),
	}, nil)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
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
