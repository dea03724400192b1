// Package packet implements queue-backed packet senders.
//
// Scripts queue messages; ReleaseQueuedMessages packs everything queued so
// far into packets; Process writes packets to a Transport. A threaded
// Sender runs Process on its own worker goroutine instead of being driven
// by the frame loop.
package packet

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Type is the first header byte of every packet.
type Type byte

const (
	TypeUnknown Type = iota
	TypeVoxelEdit
	TypeParticleEdit
	TypeAvatarData
)

func (t Type) String() string {
	switch t {
	case TypeVoxelEdit:
		return "voxel-edit"
	case TypeParticleEdit:
		return "particle-edit"
	case TypeAvatarData:
		return "avatar-data"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// ParseType maps a configured name to a Type.
func ParseType(name string) (Type, error) {
	for _, t := range []Type{TypeVoxelEdit, TypeParticleEdit, TypeAvatarData} {
		if t.String() == name {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown packet type %q", name)
}

// Version is the current wire version.
const Version byte = 1

// HeaderSize is the number of header bytes before the body.
const HeaderSize = 2

// MaxPacketSize bounds the size of a packed edit packet.
const MaxPacketSize = 1450

var ErrShortPacket = errors.New("packet shorter than header")

// Header prefixes every packet.
type Header struct {
	Type    Type
	Version byte
}

// Encode prefixes body with a header of type t.
func Encode(t Type, body []byte) []byte {
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, byte(t), Version)
	return append(out, body...)
}

// Decode splits a packet into header and body.
func Decode(p []byte) (Header, []byte, error) {
	if len(p) < HeaderSize {
		return Header{}, nil, ErrShortPacket
	}
	return Header{Type: Type(p[0]), Version: p[1]}, p[HeaderSize:], nil
}

// Pack encodes messages as one packet body.
func Pack(t Type, messages [][]byte) ([]byte, error) {
	body, err := msgpack.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal: %w", err)
	}
	return Encode(t, body), nil
}

// Unpack reverses Pack.
func Unpack(p []byte) (Header, [][]byte, error) {
	h, body, err := Decode(p)
	if err != nil {
		return Header{}, nil, err
	}
	var messages [][]byte
	if err := msgpack.Unmarshal(body, &messages); err != nil {
		return Header{}, nil, fmt.Errorf("msgpack unmarshal: %w", err)
	}
	return h, messages, nil
}
