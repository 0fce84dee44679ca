package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"zajel-go/internal/zajel"
)

var _ zajel.ChannelStore = (*PostgresStore)(nil)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS channels (
		id         TEXT PRIMARY KEY,
		role       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		data       JSONB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS chunks (
		channel_id  TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		chunk_id    TEXT NOT NULL,
		sequence    INTEGER NOT NULL,
		chunk_index INTEGER NOT NULL,
		data        JSONB NOT NULL,
		PRIMARY KEY (channel_id, chunk_id)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_sequence ON chunks (channel_id, sequence);
`

// PostgresStore implements ChannelStore on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveChannel(ctx context.Context, ch *zajel.Channel) error {
	data, err := encodeChannel(ch)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO channels (id, role, created_at, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, data = EXCLUDED.data`,
		ch.ID, string(ch.Role), ch.CreatedAt, data)
	if err != nil {
		return fmt.Errorf("saving channel %s: %w", ch.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, channelID string) (*zajel.Channel, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM channels WHERE id = $1`, channelID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting channel %s: %w", channelID, err)
	}
	return decodeChannel(data)
}

func (s *PostgresStore) GetAllChannels(ctx context.Context) ([]*zajel.Channel, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM channels ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	datas, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("scanning channels: %w", err)
	}
	out := make([]*zajel.Channel, 0, len(datas))
	for _, d := range datas {
		ch, err := decodeChannel(d)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, channelID); err != nil {
		return fmt.Errorf("deleting channel %s: %w", channelID, err)
	}
	return nil
}

func (s *PostgresStore) SaveChunk(ctx context.Context, channelID string, chunk *zajel.Chunk) error {
	data, err := encodeChunk(chunk)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO chunks (channel_id, chunk_id, sequence, chunk_index, data) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id, chunk_id) DO UPDATE SET
			sequence = EXCLUDED.sequence, chunk_index = EXCLUDED.chunk_index, data = EXCLUDED.data`,
		channelID, chunk.ChunkID, chunk.Sequence, chunk.ChunkIndex, data)
	if err != nil {
		return fmt.Errorf("saving chunk %s: %w", chunk.ChunkID, err)
	}
	return nil
}

func (s *PostgresStore) GetChunk(ctx context.Context, channelID, chunkID string) (*zajel.Chunk, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM chunks WHERE channel_id = $1 AND chunk_id = $2`, channelID, chunkID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting chunk %s: %w", chunkID, err)
	}
	return decodeChunk(data)
}

func (s *PostgresStore) GetChunksBySequence(ctx context.Context, channelID string, sequence int) ([]*zajel.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM chunks WHERE channel_id = $1 AND sequence = $2 ORDER BY chunk_index`, channelID, sequence)
	if err != nil {
		return nil, fmt.Errorf("listing chunks of sequence %d: %w", sequence, err)
	}
	datas, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("scanning chunks: %w", err)
	}
	out := make([]*zajel.Chunk, 0, len(datas))
	for _, d := range datas {
		c, err := decodeChunk(d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *PostgresStore) GetChunkIDs(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chunk_id FROM chunks WHERE channel_id = $1 ORDER BY chunk_id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("listing chunk ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning chunk ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (s *PostgresStore) DeleteChunksBySequence(ctx context.Context, channelID string, sequence int) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE channel_id = $1 AND sequence = $2`, channelID, sequence)
	if err != nil {
		return fmt.Errorf("deleting chunks of sequence %d: %w", sequence, err)
	}
	return nil
}

func (s *PostgresStore) GetLatestSequence(ctx context.Context, channelID string) (int, error) {
	var latest *int32
	err := s.pool.QueryRow(ctx, `SELECT MAX(sequence) FROM chunks WHERE channel_id = $1`, channelID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("getting latest sequence: %w", err)
	}
	if latest == nil {
		return 0, nil
	}
	return int(*latest), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
