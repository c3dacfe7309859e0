package codec

import (
	"encoding/json"

	"busrpc/message"
)

// JSONCodec encodes the whole Packet as one JSON document.
// Human-readable and what non-Go peers on the bus usually speak.
type JSONCodec struct{}

func (c *JSONCodec) Encode(p *message.Packet) ([]byte, error) {
	return json.Marshal(p)
}

func (c *JSONCodec) Decode(data []byte, p *message.Packet) error {
	return json.Unmarshal(data, p)
}

func (c *JSONCodec) Type() Type {
	return TypeJSON
}
