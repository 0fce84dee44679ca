package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"zajel-go/internal/store/migrations"
	"zajel-go/internal/zajel"
)

var _ zajel.ChannelStore = (*SQLiteStore)(nil)

// SQLiteStore implements ChannelStore on SQLite. Channels and chunks are
// stored as JSON documents next to the columns used for lookups.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens the database at path (or ":memory:") and migrates it
// to the latest schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each :memory: connection is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) SaveChannel(ctx context.Context, ch *zajel.Channel) error {
	data, err := encodeChannel(ch)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channels (id, role, created_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET role = excluded.role, data = excluded.data`,
		ch.ID, string(ch.Role), ch.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("saving channel %s: %w", ch.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetChannel(ctx context.Context, channelID string) (*zajel.Channel, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM channels WHERE id = ?`, channelID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting channel %s: %w", channelID, err)
	}
	return decodeChannel([]byte(data))
}

func (s *SQLiteStore) GetAllChannels(ctx context.Context) ([]*zajel.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM channels ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer rows.Close()

	var out []*zajel.Channel
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		ch, err := decodeChannel([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteChannel(ctx context.Context, channelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", channelID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, channelID); err != nil {
		return fmt.Errorf("deleting channel %s: %w", channelID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveChunk(ctx context.Context, channelID string, chunk *zajel.Chunk) error {
	data, err := encodeChunk(chunk)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chunks (channel_id, chunk_id, sequence, chunk_index, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, chunk_id) DO UPDATE SET
			sequence = excluded.sequence, chunk_index = excluded.chunk_index, data = excluded.data`,
		channelID, chunk.ChunkID, chunk.Sequence, chunk.ChunkIndex, string(data))
	if err != nil {
		return fmt.Errorf("saving chunk %s: %w", chunk.ChunkID, err)
	}
	return nil
}

func (s *SQLiteStore) GetChunk(ctx context.Context, channelID, chunkID string) (*zajel.Chunk, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM chunks WHERE channel_id = ? AND chunk_id = ?`, channelID, chunkID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting chunk %s: %w", chunkID, err)
	}
	return decodeChunk([]byte(data))
}

func (s *SQLiteStore) GetChunksBySequence(ctx context.Context, channelID string, sequence int) ([]*zajel.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM chunks WHERE channel_id = ? AND sequence = ? ORDER BY chunk_index`, channelID, sequence)
	if err != nil {
		return nil, fmt.Errorf("listing chunks of sequence %d: %w", sequence, err)
	}
	defer rows.Close()

	var out []*zajel.Chunk
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c, err := decodeChunk([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetChunkIDs(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id FROM chunks WHERE channel_id = ? ORDER BY chunk_id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("listing chunk ids: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning chunk id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteChunksBySequence(ctx context.Context, channelID string, sequence int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE channel_id = ? AND sequence = ?`, channelID, sequence)
	if err != nil {
		return fmt.Errorf("deleting chunks of sequence %d: %w", sequence, err)
	}
	return nil
}

func (s *SQLiteStore) GetLatestSequence(ctx context.Context, channelID string) (int, error) {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM chunks WHERE channel_id = ?`, channelID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("getting latest sequence: %w", err)
	}
	return int(latest.Int64), nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
