package zajel

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Content types carried in ChunkPayload.Type.
const (
	ContentText     = "text"
	ContentFile     = "file"
	ContentAudio    = "audio"
	ContentVideo    = "video"
	ContentDocument = "document"
	ContentPoll     = "poll"
)

// ChunkPayload is the plaintext content of a published message, before encryption.
type ChunkPayload struct {
	Type      string         `cbor:"1,keyasint"`
	Payload   []byte         `cbor:"2,keyasint"`
	Metadata  map[string]any `cbor:"3,keyasint,omitempty"`
	ReplyTo   string         `cbor:"4,keyasint,omitempty"`
	Author    string         `cbor:"5,keyasint,omitempty"`
	Timestamp time.Time      `cbor:"6,keyasint"`
}

var (
	payloadEncMode cbor.EncMode
	payloadDecMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("zajel: building payload encoder: %v", err))
	}
	payloadEncMode = em

	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("zajel: building payload decoder: %v", err))
	}
	payloadDecMode = dm
}

// rawPayload has ChunkPayload's fields without its methods, so the cbor
// codec does not re-enter MarshalBinary or UnmarshalBinary.
type rawPayload ChunkPayload

// MarshalBinary serializes the payload to its compact binary form, the
// plaintext input to encryption.
func (p *ChunkPayload) MarshalBinary() ([]byte, error) {
	out := rawPayload(*p)
	out.Timestamp = p.Timestamp.UTC()
	data, err := payloadEncMode.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encoding chunk payload: %w", err)
	}
	return data, nil
}

// UnmarshalBinary decodes a payload produced by MarshalBinary.
func (p *ChunkPayload) UnmarshalBinary(data []byte) error {
	var out rawPayload
	if err := payloadDecMode.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decoding chunk payload: %w", err)
	}
	if out.Type == "" {
		return fmt.Errorf("decoding chunk payload: missing type")
	}
	*p = ChunkPayload(out)
	return nil
}
