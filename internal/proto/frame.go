package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic prefixes every datagram this node sends.
const Magic uint32 = 0x58681506

// HeaderLen is magic plus the 4-byte message type.
const HeaderLen = 8

var (
	ErrShortFrame = errors.New("proto: datagram shorter than header")
	ErrBadMagic   = errors.New("proto: bad magic")
)

// Pack prepends the datagram header to payload.
func Pack(msgType uint32, payload []byte) []byte {
	out := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(out[0:4], Magic)
	binary.BigEndian.PutUint32(out[4:8], msgType)
	copy(out[HeaderLen:], payload)
	return out
}

// Unpack validates the header and returns the type and payload. The payload
// aliases data.
func Unpack(data []byte) (uint32, []byte, error) {
	if len(data) < HeaderLen {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	if m := binary.BigEndian.Uint32(data[0:4]); m != Magic {
		return 0, nil, fmt.Errorf("%w: %#08x", ErrBadMagic, m)
	}
	return binary.BigEndian.Uint32(data[4:8]), data[HeaderLen:], nil
}
