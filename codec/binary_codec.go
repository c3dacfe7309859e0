package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"busrpc/message"
)

// ErrShortBuffer is returned when binary input ends before a field does.
var ErrShortBuffer = errors.New("codec: short buffer")

// BinaryCodec writes the routing fields as length-prefixed strings so a hub can
// route without parsing the body. The body stays JSON.
//
//	┌────┬─────────┬────┬──────┬────┬──────┬────┬──────┬────┬───────┬────┬──────┐
//	│len2│recipient│len2│sender│len2│thread│len2│locale│len2│rclass │len4│ body │
//	└────┴─────────┴────┴──────┴────┴──────┴────┴──────┴────┴───────┴────┴──────┘
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(p *message.Packet) ([]byte, error) {
	body, err := json.Marshal(p.Body)
	if err != nil {
		return nil, err
	}
	fields := []string{p.Recipient, p.Sender, p.Thread, p.Locale, p.RouterClass}

	total := 4 + len(body)
	for _, f := range fields {
		if len(f) > math.MaxUint16 {
			return nil, fmt.Errorf("BinaryCodec: field too long (%d bytes)", len(f))
		}
		total += 2 + len(f)
	}
	buf := make([]byte, total)

	offset := 0
	for _, f := range fields {
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(f)))
		offset += 2
		copy(buf[offset:offset+len(f)], f)
		offset += len(f)
	}

	// Body length -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(body)))
	offset += 4
	copy(buf[offset:], body)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, p *message.Packet) error {
	offset := 0
	readString := func() (string, error) {
		if len(data)-offset < 2 {
			return "", ErrShortBuffer
		}
		n := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if len(data)-offset < n {
			return "", ErrShortBuffer
		}
		s := string(data[offset : offset+n])
		offset += n
		return s, nil
	}

	dst := []*string{&p.Recipient, &p.Sender, &p.Thread, &p.Locale, &p.RouterClass}
	for _, d := range dst {
		s, err := readString()
		if err != nil {
			return err
		}
		*d = s
	}

	if len(data)-offset < 4 {
		return ErrShortBuffer
	}
	bodyLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data)-offset < bodyLen {
		return ErrShortBuffer
	}
	p.Body = nil
	if err := json.Unmarshal(data[offset:offset+bodyLen], &p.Body); err != nil {
		return fmt.Errorf("BinaryCodec: decode body: %w", err)
	}
	return nil
}

func (c *BinaryCodec) Type() Type {
	return TypeBinary
}
