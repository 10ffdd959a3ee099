package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Database is the durable registry of rooms and their code snapshots. The
// live buffer lives in the room state store; this is what survives it.
type Database struct {
	db  *sql.DB
	log *logrus.Entry
}

type Room struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Snapshot struct {
	RoomID      string    `json:"room_id"`
	Code        string    `json:"code"`
	ContentHash string    `json:"content_hash"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Stats struct {
	RoomCount     int `json:"room_count"`
	SnapshotCount int `json:"snapshot_count"`
}

func New(dbPath string, log *logrus.Entry) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	// WAL lets the snapshot ticker write while API reads proceed.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.WithField("path", dbPath).Info("Database initialized")
	return &Database{db: db, log: log}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		language TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS room_snapshots (
		room_id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON rooms(updated_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// HashContent is the content hash stored with snapshots.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// Room operations

func (d *Database) CreateRoom(ctx context.Context, id, language, owner string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (id, language, owner) VALUES (?, ?, ?)",
		id, language, owner,
	)
	return err
}

// GetRoom returns nil without an error when the room is unknown.
func (d *Database) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, language, owner, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.Language, &room.Owner, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, language, owner, created_at, updated_at FROM rooms ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Language, &room.Owner, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (d *Database) SetLanguage(ctx context.Context, id, language string) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE rooms SET language = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		language, id,
	)
	return err
}

// DeleteRoom removes the room and, through the foreign key, its snapshot.
func (d *Database) DeleteRoom(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id)
	return err
}

// Snapshot operations

// SaveSnapshot upserts the room's code. It reports false when the stored
// snapshot already has the same content hash and nothing was written.
func (d *Database) SaveSnapshot(ctx context.Context, roomID, code string) (bool, error) {
	hash := HashContent(code)

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_id, code, content_hash, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			code = excluded.code,
			content_hash = excluded.content_hash,
			updated_at = CURRENT_TIMESTAMP
		WHERE room_snapshots.content_hash != excluded.content_hash
	`, roomID, code, hash)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := d.db.ExecContext(ctx,
		"UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		roomID,
	); err != nil {
		return true, err
	}
	return true, nil
}

// GetSnapshot returns nil without an error when the room has no snapshot.
func (d *Database) GetSnapshot(ctx context.Context, roomID string) (*Snapshot, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT room_id, code, content_hash, updated_at FROM room_snapshots WHERE room_id = ?",
		roomID,
	)

	var s Snapshot
	err := row.Scan(&s.RoomID, &s.Code, &s.ContentHash, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Stats

func (d *Database) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&stats.RoomCount); err != nil {
		return Stats{}, err
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_snapshots").Scan(&stats.SnapshotCount); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
