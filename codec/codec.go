// Package codec serializes Packets for buses that move raw bytes.
package codec

import (
	"fmt"

	"busrpc/message"
)

type Type byte

const (
	TypeJSON   Type = 0
	TypeBinary Type = 1
)

type Codec interface {
	Encode(p *message.Packet) ([]byte, error)
	Decode(data []byte, p *message.Packet) error
	Type() Type // 0=JSON, 1=Binary
}

// Get returns the codec for t.
func Get(t Type) (Codec, error) {
	switch t {
	case TypeJSON:
		return &JSONCodec{}, nil
	case TypeBinary:
		return &BinaryCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported codec type: %d", t)
}
