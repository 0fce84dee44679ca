// Package store provides ChannelStore backends.
package store

import (
	"encoding/json"
	"fmt"

	"zajel-go/internal/zajel"
)

func encodeChannel(ch *zajel.Channel) ([]byte, error) {
	data, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("encoding channel %s: %w", ch.ID, err)
	}
	return data, nil
}

func decodeChannel(data []byte) (*zajel.Channel, error) {
	var ch zajel.Channel
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("decoding channel: %w", err)
	}
	return &ch, nil
}

func encodeChunk(c *zajel.Chunk) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding chunk %s: %w", c.ChunkID, err)
	}
	return data, nil
}

func decodeChunk(data []byte) (*zajel.Chunk, error) {
	var c zajel.Chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding chunk: %w", err)
	}
	return &c, nil
}
