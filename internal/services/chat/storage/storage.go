// Package storage defines the persistence contract for the chat service.
//
// Users and messages are durable; presence and reconnection sessions are
// soft state that the store keeps only so coordinators can recover it.
package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// User is a chat participant identified by a client-supplied stable id.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is an immutable stored chat message.
//
// Seq is the store-assigned monotonic sequence (SQLite rowid); "messages
// after X" queries are defined over it. MessageID is the opaque wire handle.
type Message struct {
	Seq         int64
	MessageID   string
	RoomID      string
	UserID      string
	Content     string
	Type        string
	Metadata    json.RawMessage
	CreatedAt   time.Time
	DisplayName string
	AvatarURL   string
}

// PresenceRecord is the single per-user presence row, overwritten on every
// presence-affecting event. RoomID is empty unless Status is online.
type PresenceRecord struct {
	UserID       string
	RoomID       string
	Status       string
	MicMuted     bool
	IsTyping     bool
	LastSeen     time.Time
	ConnectionID string
	DisplayName  string
	AvatarURL    string
}

// PresenceUpdate carries optional presence fields; nil pointers leave the
// stored value unchanged.
type PresenceUpdate struct {
	MicMuted *bool
	IsTyping *bool
}

// Room is a statically seeded chat channel mapped to one application zone.
type Room struct {
	ID           string
	Name         string
	Description  string
	VoiceEnabled bool
	MaxUsers     int
	UserCount    int
}

// Session binds a user to the last message sequence they are known to have
// seen, enabling missed-message recovery after a reconnect.
type Session struct {
	SessionID      string
	UserID         string
	RoomID         string
	LastMessageSeq int64
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Stats reports aggregate record counts.
type Stats struct {
	Users       int64 `json:"users"`
	Messages    int64 `json:"messages"`
	OnlineUsers int64 `json:"onlineUsers"`
	Rooms       int64 `json:"rooms"`
	Sessions    int64 `json:"sessions"`
}

// DefaultRooms returns the statically seeded room set, one per application
// zone of the VR site.
func DefaultRooms() []Room {
	return []Room{
		{ID: "hub", Name: "Main Hub", Description: "Central meeting point", VoiceEnabled: true},
		{ID: "events", Name: "Events Zone", Description: "Toronto events and happenings", VoiceEnabled: true},
		{ID: "movies", Name: "Movies Zone", Description: "Movie discussions and screenings", VoiceEnabled: true},
		{ID: "creators", Name: "Creators Zone", Description: "Content creator hangout", VoiceEnabled: true},
		{ID: "stocks", Name: "Stocks Zone", Description: "Stock market discussions", VoiceEnabled: true},
		{ID: "wellness", Name: "Wellness Zone", Description: "Mental health and wellness", VoiceEnabled: true},
		{ID: "weather", Name: "Weather Zone", Description: "Weather updates and chat", VoiceEnabled: true},
	}
}

// Store is the durable persistence boundary shared by the chat coordinator
// and its background jobs. A store failure is fatal to the request that
// triggered it and is always reported to the caller.
type Store interface {
	UpsertUser(ctx context.Context, id, displayName, avatarURL string) (User, error)
	GetUser(ctx context.Context, id string) (User, bool, error)

	StoreMessage(ctx context.Context, roomID, userID, content, msgType string, metadata json.RawMessage) (Message, error)
	GetMessageHistory(ctx context.Context, roomID string, limit int, beforeSeq int64) ([]Message, error)
	GetMessagesAfter(ctx context.Context, roomID string, afterSeq int64) ([]Message, error)

	UpdatePresence(ctx context.Context, userID, roomID, status, connectionID string, update PresenceUpdate) error
	SetUserOffline(ctx context.Context, userID string) error
	SetTyping(ctx context.Context, userID string, isTyping bool) error
	SetMicMuted(ctx context.Context, userID string, muted bool) error
	UsersInRoom(ctx context.Context, roomID string) ([]PresenceRecord, error)
	OnlineUsers(ctx context.Context) ([]PresenceRecord, error)
	CleanupStalePresence(ctx context.Context, staleAfter time.Duration) (int64, error)

	SeedRooms(ctx context.Context, rooms []Room) error
	Rooms(ctx context.Context) ([]Room, error)
	Room(ctx context.Context, roomID string) (Room, bool, error)

	CreateSession(ctx context.Context, userID, roomID string, lastMessageSeq int64, ttl time.Duration) (string, error)
	GetSession(ctx context.Context, sessionID string) (Session, bool, error)
	UpdateSessionCursor(ctx context.Context, sessionID string, lastMessageSeq int64) error
	CleanupExpiredSessions(ctx context.Context) (int64, error)

	Stats(ctx context.Context) (Stats, error)
}
