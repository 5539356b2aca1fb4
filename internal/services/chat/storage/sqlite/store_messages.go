package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/antigravityto/vrcomms/internal/platform/id"
	"github.com/antigravityto/vrcomms/internal/services/chat/storage"
)

const messageSelect = `
SELECT m.id, m.message_id, m.room_id, m.user_id, m.content, m.type,
       COALESCE(m.metadata, ''), m.created_at,
       COALESCE(u.display_name, ''), COALESCE(u.avatar_url, '')
FROM messages m
LEFT JOIN users u ON m.user_id = u.id
`

// StoreMessage persists a message, assigning its opaque handle and monotonic
// sequence, and prunes the room's history past the configured cap as a side
// effect.
func (s *Store) StoreMessage(ctx context.Context, roomID, userID, content, msgType string, metadata json.RawMessage) (storage.Message, error) {
	if s == nil || s.sqlDB == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	userID = strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return storage.Message{}, fmt.Errorf("room id and user id are required")
	}
	if msgType == "" {
		msgType = "text"
	}

	messageID, err := id.NewHandle("msg", 16)
	if err != nil {
		return storage.Message{}, fmt.Errorf("allocate message id: %w", err)
	}

	var metadataValue any
	if len(metadata) > 0 {
		metadataValue = string(metadata)
	}

	now := time.Now()
	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (message_id, room_id, user_id, content, type, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		messageID, roomID, userID, content, msgType, metadataValue, toMillis(now),
	)
	if err != nil {
		return storage.Message{}, fmt.Errorf("store message: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return storage.Message{}, fmt.Errorf("message sequence: %w", err)
	}

	if err := s.pruneMessages(ctx, roomID); err != nil {
		return storage.Message{}, err
	}

	return storage.Message{
		Seq:       seq,
		MessageID: messageID,
		RoomID:    roomID,
		UserID:    userID,
		Content:   content,
		Type:      msgType,
		Metadata:  metadata,
		CreatedAt: now.UTC(),
	}, nil
}

// pruneMessages enforces the per-room cap and the global retention window.
func (s *Store) pruneMessages(ctx context.Context, roomID string) error {
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM messages
		 WHERE room_id = ?
		   AND id NOT IN (
		       SELECT id FROM messages WHERE room_id = ? ORDER BY id DESC LIMIT ?
		   )`,
		roomID, roomID, s.historyCap,
	); err != nil {
		return fmt.Errorf("prune room history: %w", err)
	}

	cutoff := toMillis(time.Now().Add(-s.retention))
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM messages WHERE created_at < ?`,
		cutoff,
	); err != nil {
		return fmt.Errorf("prune expired messages: %w", err)
	}
	return nil
}

// GetMessageHistory returns the most recent limit messages for a room,
// optionally strictly older than beforeSeq, in chronological order.
func (s *Store) GetMessageHistory(ctx context.Context, roomID string, limit int, beforeSeq int64) ([]storage.Message, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = s.historyCap
	}

	query := messageSelect + `WHERE m.room_id = ?`
	args := []any{strings.TrimSpace(roomID)}
	if beforeSeq > 0 {
		query += ` AND m.id < ?`
		args = append(args, beforeSeq)
	}
	query += ` ORDER BY m.id DESC LIMIT ?`
	args = append(args, limit)

	messages, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetMessagesAfter returns every message with sequence greater than afterSeq,
// in chronological order. Used for reconnection recovery.
func (s *Store) GetMessagesAfter(ctx context.Context, roomID string, afterSeq int64) ([]storage.Message, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	return s.queryMessages(
		ctx,
		messageSelect+`WHERE m.room_id = ? AND m.id > ? ORDER BY m.id ASC`,
		strings.TrimSpace(roomID), afterSeq,
	)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]storage.Message, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []storage.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func scanMessage(rows *sql.Rows) (storage.Message, error) {
	var msg storage.Message
	var metadata string
	var createdAt int64
	if err := rows.Scan(
		&msg.Seq, &msg.MessageID, &msg.RoomID, &msg.UserID, &msg.Content, &msg.Type,
		&metadata, &createdAt, &msg.DisplayName, &msg.AvatarURL,
	); err != nil {
		return storage.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if metadata != "" {
		msg.Metadata = json.RawMessage(metadata)
	}
	msg.CreatedAt = fromMillis(createdAt)
	return msg, nil
}
