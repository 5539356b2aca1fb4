package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/antigravityto/vrcomms/internal/platform/id"
	"github.com/antigravityto/vrcomms/internal/services/chat/storage"
)

const presenceSelect = `
SELECT p.user_id, COALESCE(p.room_id, ''), p.status, p.mic_muted, p.is_typing,
       p.last_seen, COALESCE(p.connection_id, ''),
       COALESCE(u.display_name, ''), COALESCE(u.avatar_url, '')
FROM presence p
LEFT JOIN users u ON p.user_id = u.id
`

// UpdatePresence upserts the per-user presence row. Optional fields left nil
// in update keep their stored values. An offline status always clears the
// room assignment.
func (s *Store) UpdatePresence(ctx context.Context, userID, roomID, status, connectionID string, update storage.PresenceUpdate) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if status == "" {
		status = storage.StatusOnline
	}

	var roomValue any
	if status == storage.StatusOnline && strings.TrimSpace(roomID) != "" {
		roomValue = strings.TrimSpace(roomID)
	}
	var connValue any
	if strings.TrimSpace(connectionID) != "" {
		connValue = strings.TrimSpace(connectionID)
	}

	// Defaults apply only when the row is first created.
	insertMuted := int64(1)
	if update.MicMuted != nil {
		insertMuted = boolToInt(*update.MicMuted)
	}
	insertTyping := int64(0)
	if update.IsTyping != nil {
		insertTyping = boolToInt(*update.IsTyping)
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO presence (user_id, room_id, status, mic_muted, is_typing, last_seen, connection_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		    room_id = excluded.room_id,
		    status = excluded.status,
		    mic_muted = COALESCE(?, presence.mic_muted),
		    is_typing = COALESCE(?, presence.is_typing),
		    last_seen = excluded.last_seen,
		    connection_id = COALESCE(?, presence.connection_id)`,
		userID, roomValue, status, insertMuted, insertTyping, toMillis(time.Now()), connValue,
		boolPtrToValue(update.MicMuted), boolPtrToValue(update.IsTyping), connValue,
	)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// SetUserOffline marks a user offline and clears their room assignment.
func (s *Store) SetUserOffline(ctx context.Context, userID string) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE presence SET status = ?, room_id = NULL, last_seen = ? WHERE user_id = ?`,
		storage.StatusOffline, toMillis(time.Now()), strings.TrimSpace(userID),
	)
	if err != nil {
		return fmt.Errorf("set user offline: %w", err)
	}
	return nil
}

// SetTyping updates only the typing flag.
func (s *Store) SetTyping(ctx context.Context, userID string, isTyping bool) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE presence SET is_typing = ?, last_seen = ? WHERE user_id = ?`,
		boolToInt(isTyping), toMillis(time.Now()), strings.TrimSpace(userID),
	)
	if err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// SetMicMuted updates only the mic flag.
func (s *Store) SetMicMuted(ctx context.Context, userID string, muted bool) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE presence SET mic_muted = ?, last_seen = ? WHERE user_id = ?`,
		boolToInt(muted), toMillis(time.Now()), strings.TrimSpace(userID),
	)
	if err != nil {
		return fmt.Errorf("set mic muted: %w", err)
	}
	return nil
}

// UsersInRoom lists online presence records for one room, most recent first.
func (s *Store) UsersInRoom(ctx context.Context, roomID string) ([]storage.PresenceRecord, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	return s.queryPresence(
		ctx,
		presenceSelect+`WHERE p.room_id = ? AND p.status = 'online' ORDER BY p.last_seen DESC`,
		strings.TrimSpace(roomID),
	)
}

// OnlineUsers lists every online presence record grouped by room.
func (s *Store) OnlineUsers(ctx context.Context) ([]storage.PresenceRecord, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	return s.queryPresence(
		ctx,
		presenceSelect+`WHERE p.status = 'online' ORDER BY p.room_id, p.last_seen DESC`,
	)
}

// CleanupStalePresence marks online records whose last_seen is older than
// staleAfter as offline. This recovers from ungraceful disconnects the
// transport layer never reported.
func (s *Store) CleanupStalePresence(ctx context.Context, staleAfter time.Duration) (int64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	cutoff := toMillis(time.Now().Add(-staleAfter))
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE presence SET status = ?, room_id = NULL
		 WHERE status = ? AND last_seen < ?`,
		storage.StatusOffline, storage.StatusOnline, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale presence: %w", err)
	}
	changed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale presence rows affected: %w", err)
	}
	return changed, nil
}

func (s *Store) queryPresence(ctx context.Context, query string, args ...any) ([]storage.PresenceRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}
	defer rows.Close()

	var records []storage.PresenceRecord
	for rows.Next() {
		record, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return records, nil
}

func scanPresence(rows *sql.Rows) (storage.PresenceRecord, error) {
	var record storage.PresenceRecord
	var micMuted, isTyping int64
	var lastSeen int64
	if err := rows.Scan(
		&record.UserID, &record.RoomID, &record.Status, &micMuted, &isTyping,
		&lastSeen, &record.ConnectionID, &record.DisplayName, &record.AvatarURL,
	); err != nil {
		return storage.PresenceRecord{}, fmt.Errorf("scan presence: %w", err)
	}
	record.MicMuted = micMuted != 0
	record.IsTyping = isTyping != 0
	record.LastSeen = fromMillis(lastSeen)
	return record, nil
}

// CreateSession records a reconnection session with the given TTL and returns
// its id.
func (s *Store) CreateSession(ctx context.Context, userID, roomID string, lastMessageSeq int64, ttl time.Duration) (string, error) {
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	sessionID, err := id.NewUUID()
	if err != nil {
		return "", fmt.Errorf("allocate session id: %w", err)
	}

	now := time.Now()
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO sessions (session_id, user_id, room_id, last_message_id, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		    room_id = excluded.room_id,
		    last_message_id = excluded.last_message_id,
		    expires_at = excluded.expires_at`,
		sessionID, userID, strings.TrimSpace(roomID), lastMessageSeq, toMillis(now), toMillis(now.Add(ttl)),
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sessionID, nil
}

// GetSession loads a session if it exists and has not expired.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.Session, bool, error) {
	if s == nil || s.sqlDB == nil {
		return storage.Session{}, false, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT session_id, user_id, COALESCE(room_id, ''), last_message_id, created_at, expires_at
		 FROM sessions WHERE session_id = ? AND expires_at > ?`,
		strings.TrimSpace(sessionID), toMillis(time.Now()),
	)

	var session storage.Session
	var createdAt, expiresAt int64
	if err := row.Scan(
		&session.SessionID, &session.UserID, &session.RoomID,
		&session.LastMessageSeq, &createdAt, &expiresAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return storage.Session{}, false, nil
		}
		return storage.Session{}, false, fmt.Errorf("get session: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	return session, true, nil
}

// UpdateSessionCursor advances the last-seen message sequence for a session.
func (s *Store) UpdateSessionCursor(ctx context.Context, sessionID string, lastMessageSeq int64) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE sessions SET last_message_id = ? WHERE session_id = ?`,
		lastMessageSeq, strings.TrimSpace(sessionID),
	)
	if err != nil {
		return fmt.Errorf("update session cursor: %w", err)
	}
	return nil
}

// CleanupExpiredSessions deletes sessions past their TTL.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM sessions WHERE expires_at < ?`,
		toMillis(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired session rows affected: %w", err)
	}
	return deleted, nil
}

// Stats reports aggregate record counts across all tables.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	if s == nil || s.sqlDB == nil {
		return storage.Stats{}, fmt.Errorf("storage is not configured")
	}

	var stats storage.Stats
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM users`, &stats.Users},
		{`SELECT COUNT(*) FROM messages`, &stats.Messages},
		{`SELECT COUNT(*) FROM presence WHERE status = 'online'`, &stats.OnlineUsers},
		{`SELECT COUNT(*) FROM rooms`, &stats.Rooms},
		{`SELECT COUNT(*) FROM sessions`, &stats.Sessions},
	}
	for _, count := range counts {
		if err := s.sqlDB.QueryRowContext(ctx, count.query).Scan(count.dest); err != nil {
			return storage.Stats{}, fmt.Errorf("count stats: %w", err)
		}
	}
	return stats, nil
}

func boolPtrToValue(value *bool) any {
	if value == nil {
		return nil
	}
	return boolToInt(*value)
}
