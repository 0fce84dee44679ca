package store

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"zajel-go/internal/zajel"
)

var _ zajel.ChannelStore = (*BoltStore)(nil)

const (
	channelsBucket = "channels"
	chunksBucket   = "chunks"
)

// BoltStore implements ChannelStore on a bbolt file. Chunks live in one
// nested bucket per channel under the chunks bucket.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the bbolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(channelsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(chunksBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveChannel(_ context.Context, ch *zajel.Channel) error {
	data, err := encodeChannel(ch)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(channelsBucket)).Put([]byte(ch.ID), data)
	})
}

func (s *BoltStore) GetChannel(_ context.Context, channelID string) (*zajel.Channel, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data = bytes.Clone(tx.Bucket([]byte(channelsBucket)).Get([]byte(channelID)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("getting channel %s: %w", channelID, err)
	}
	if data == nil {
		return nil, nil
	}
	return decodeChannel(data)
}

func (s *BoltStore) GetAllChannels(_ context.Context) ([]*zajel.Channel, error) {
	var out []*zajel.Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(channelsBucket)).ForEach(func(_, v []byte) error {
			ch, err := decodeChannel(v)
			if err != nil {
				return err
			}
			out = append(out, ch)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	slices.SortFunc(out, func(a, b *zajel.Channel) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *BoltStore) DeleteChannel(_ context.Context, channelID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(channelsBucket)).Delete([]byte(channelID)); err != nil {
			return err
		}
		chunks := tx.Bucket([]byte(chunksBucket))
		if chunks.Bucket([]byte(channelID)) == nil {
			return nil
		}
		return chunks.DeleteBucket([]byte(channelID))
	})
}

func (s *BoltStore) SaveChunk(_ context.Context, channelID string, chunk *zajel.Chunk) error {
	data, err := encodeChunk(chunk)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket([]byte(chunksBucket)).CreateBucketIfNotExists([]byte(channelID))
		if err != nil {
			return err
		}
		return b.Put([]byte(chunk.ChunkID), data)
	})
}

func (s *BoltStore) GetChunk(_ context.Context, channelID, chunkID string) (*zajel.Chunk, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(chunksBucket)).Bucket([]byte(channelID)); b != nil {
			data = bytes.Clone(b.Get([]byte(chunkID)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("getting chunk %s: %w", chunkID, err)
	}
	if data == nil {
		return nil, nil
	}
	return decodeChunk(data)
}

// eachChunk decodes every chunk of a channel inside a read transaction.
func (s *BoltStore) eachChunk(channelID string, fn func(c *zajel.Chunk)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(chunksBucket)).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			c, err := decodeChunk(v)
			if err != nil {
				return err
			}
			fn(c)
			return nil
		})
	})
}

func (s *BoltStore) GetChunksBySequence(_ context.Context, channelID string, sequence int) ([]*zajel.Chunk, error) {
	var out []*zajel.Chunk
	err := s.eachChunk(channelID, func(c *zajel.Chunk) {
		if c.Sequence == sequence {
			out = append(out, c)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listing chunks of sequence %d: %w", sequence, err)
	}
	slices.SortFunc(out, func(a, b *zajel.Chunk) int { return cmp.Compare(a.ChunkIndex, b.ChunkIndex) })
	return out, nil
}

func (s *BoltStore) GetChunkIDs(_ context.Context, channelID string) ([]string, error) {
	out := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(chunksBucket)).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing chunk ids: %w", err)
	}
	return out, nil
}

func (s *BoltStore) DeleteChunksBySequence(_ context.Context, channelID string, sequence int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(chunksBucket)).Bucket([]byte(channelID))
		if b == nil {
			return nil
		}
		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			c, err := decodeChunk(v)
			if err != nil {
				return err
			}
			if c.Sequence == sequence {
				doomed = append(doomed, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetLatestSequence(_ context.Context, channelID string) (int, error) {
	latest := 0
	err := s.eachChunk(channelID, func(c *zajel.Chunk) {
		latest = max(latest, c.Sequence)
	})
	if err != nil {
		return 0, fmt.Errorf("getting latest sequence: %w", err)
	}
	return latest, nil
}

// Close closes the bolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
