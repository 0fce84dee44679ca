// Package swarm implements the chunk exchange protocol between peers and
// relays: announcing, requesting, pulling and pushing chunks until every
// holder converges on the same chunk set.
package swarm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"zajel-go/internal/zajel"
)

// Message types.
const (
	TypeChunkAnnounce  = "chunk_announce"
	TypeChunkRequest   = "chunk_request"
	TypeChunkPush      = "chunk_push"
	TypeChunkPull      = "chunk_pull"
	TypeChunkData      = "chunk_data"
	TypeChunkAvailable = "chunk_available"
	TypeChunkNotFound  = "chunk_not_found"
)

// Message is the JSON wire envelope. Which fields are set depends on Type.
type Message struct {
	Type      string           `json:"type"`
	PeerID    string           `json:"peerId,omitempty"`
	ChannelID string           `json:"channelId,omitempty"`
	ChunkID   string           `json:"chunkId,omitempty"`
	Chunks    []zajel.ChunkRef `json:"chunks,omitempty"`
	Data      json.RawMessage  `json:"data,omitempty"`
	Source    string           `json:"source,omitempty"`
}

var errMissingChunkID = errors.New("message has no chunkId")

// DecodeMessage parses a raw wire message and checks the fields its type
// requires.
func DecodeMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decoding swarm message: %w", err)
	}
	switch msg.Type {
	case "":
		return nil, errors.New("message has no type")
	case TypeChunkAnnounce:
		if len(msg.Chunks) == 0 {
			return nil, errors.New("chunk_announce without chunks")
		}
	case TypeChunkData:
		if len(msg.Data) == 0 {
			return nil, errors.New("chunk_data without data")
		}
	case TypeChunkPush:
		if msg.ChunkID == "" || len(msg.Data) == 0 {
			return nil, errors.New("chunk_push without chunkId or data")
		}
	case TypeChunkRequest, TypeChunkPull, TypeChunkAvailable, TypeChunkNotFound:
		if msg.ChunkID == "" {
			return nil, errMissingChunkID
		}
	}
	return &msg, nil
}

// EncodeChunkData returns the chunk as a structured JSON object.
func EncodeChunkData(chunk *zajel.Chunk) (json.RawMessage, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("encoding chunk %s: %w", chunk.ChunkID, err)
	}
	return data, nil
}

// DecodeChunkData parses chunk data sent either as a JSON object or, when
// served by an intermediary cache, as a JSON string holding the object.
func DecodeChunkData(data json.RawMessage) (*zajel.Chunk, error) {
	raw := bytes.TrimSpace(data)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decoding chunk data string: %w", err)
		}
		raw = []byte(inner)
	}
	var chunk zajel.Chunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, fmt.Errorf("decoding chunk data: %w", err)
	}
	if chunk.ChunkID == "" {
		return nil, errors.New("chunk data has no chunk_id")
	}
	return &chunk, nil
}
