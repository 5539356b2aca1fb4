package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/antigravityto/vrcomms/internal/platform/storage/sqlitemigrate"
	"github.com/antigravityto/vrcomms/internal/services/chat/storage"
	"github.com/antigravityto/vrcomms/internal/services/chat/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const (
	defaultHistoryCap = 50
	defaultRetention  = 24 * time.Hour
)

// Options bounds how much message history the store keeps per room.
type Options struct {
	// HistoryCap is the maximum number of messages retained per room.
	HistoryCap int
	// Retention is the age beyond which messages are deleted regardless of count.
	Retention time.Duration
}

// Store implements chat persistence over SQLite.
//
// A single SQLite file backs users, messages, presence, rooms, and
// reconnection sessions so history and presence queries share the same
// transaction and visibility boundaries.
type Store struct {
	sqlDB      *sql.DB
	historyCap int
	retention  time.Duration
}

// Open opens a chat SQLite store and applies bundled migrations.
//
// This keeps startup and schema evolution in one place, instead of requiring
// callers to coordinate migrations independently.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = defaultHistoryCap
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{
		sqlDB:      sqlDB,
		historyCap: opts.HistoryCap,
		retention:  opts.Retention,
	}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// UpsertUser creates or updates a user. The avatar is only overwritten when a
// non-empty value is supplied.
func (s *Store) UpsertUser(ctx context.Context, id, displayName, avatarURL string) (storage.User, error) {
	if s == nil || s.sqlDB == nil {
		return storage.User{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.User{}, fmt.Errorf("user id is required")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = id
	}

	var avatar any
	if strings.TrimSpace(avatarURL) != "" {
		avatar = strings.TrimSpace(avatarURL)
	}

	now := toMillis(time.Now())
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO users (id, display_name, avatar_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		    display_name = excluded.display_name,
		    avatar_url = COALESCE(excluded.avatar_url, users.avatar_url),
		    updated_at = excluded.updated_at`,
		id, displayName, avatar, now, now,
	)
	if err != nil {
		return storage.User{}, fmt.Errorf("upsert user: %w", err)
	}

	user, ok, err := s.GetUser(ctx, id)
	if err != nil {
		return storage.User{}, err
	}
	if !ok {
		return storage.User{}, fmt.Errorf("upserted user %s not found", id)
	}
	return user, nil
}

// GetUser loads one user by id.
func (s *Store) GetUser(ctx context.Context, id string) (storage.User, bool, error) {
	if s == nil || s.sqlDB == nil {
		return storage.User{}, false, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, display_name, COALESCE(avatar_url, ''), created_at, updated_at
		 FROM users WHERE id = ?`,
		strings.TrimSpace(id),
	)

	var user storage.User
	var createdAt, updatedAt int64
	if err := row.Scan(&user.ID, &user.DisplayName, &user.AvatarURL, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return storage.User{}, false, nil
		}
		return storage.User{}, false, fmt.Errorf("get user: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return user, true, nil
}

// SeedRooms inserts the given rooms if they do not already exist. Rooms are
// statically seeded at startup; clients never create them.
func (s *Store) SeedRooms(ctx context.Context, rooms []storage.Room) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	now := toMillis(time.Now())
	for _, room := range rooms {
		roomID := strings.TrimSpace(room.ID)
		if roomID == "" {
			return fmt.Errorf("room id is required")
		}
		maxUsers := room.MaxUsers
		if maxUsers <= 0 {
			maxUsers = 100
		}
		if _, err := s.sqlDB.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO rooms (id, name, description, voice_enabled, max_users, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			roomID, room.Name, room.Description, boolToInt(room.VoiceEnabled), maxUsers, now,
		); err != nil {
			return fmt.Errorf("seed room %s: %w", roomID, err)
		}
	}
	return nil
}

const roomSelect = `
SELECT r.id, r.name, COALESCE(r.description, ''), r.voice_enabled, r.max_users,
       COUNT(p.user_id) AS user_count
FROM rooms r
LEFT JOIN presence p ON r.id = p.room_id AND p.status = 'online'
`

// Rooms lists all rooms with live online-user counts.
func (s *Store) Rooms(ctx context.Context) ([]storage.Room, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, roomSelect+`GROUP BY r.id ORDER BY r.created_at, r.id`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []storage.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

// Room loads one room with its live online-user count.
func (s *Store) Room(ctx context.Context, roomID string) (storage.Room, bool, error) {
	if s == nil || s.sqlDB == nil {
		return storage.Room{}, false, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, roomSelect+`WHERE r.id = ? GROUP BY r.id`, strings.TrimSpace(roomID))
	if err != nil {
		return storage.Room{}, false, fmt.Errorf("get room: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return storage.Room{}, false, fmt.Errorf("get room: %w", err)
		}
		return storage.Room{}, false, nil
	}
	room, err := scanRoom(rows)
	if err != nil {
		return storage.Room{}, false, err
	}
	return room, true, nil
}

func scanRoom(rows *sql.Rows) (storage.Room, error) {
	var room storage.Room
	var voiceEnabled int64
	if err := rows.Scan(&room.ID, &room.Name, &room.Description, &voiceEnabled, &room.MaxUsers, &room.UserCount); err != nil {
		return storage.Room{}, fmt.Errorf("scan room: %w", err)
	}
	room.VoiceEnabled = voiceEnabled != 0
	return room, nil
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}
