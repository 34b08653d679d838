// Package codec provides the payload codecs used for response bodies
// and backend result payloads, selected by a type byte.
package codec

import (
	"encoding/json"
	"errors"
)

var ErrUnsupportedCodec = errors.New("unsupported codec")

// Codec encodes and decodes payloads.
type Codec interface {
	// Encode encodes a value to bytes
	Encode(v interface{}) ([]byte, error)

	// Decode decodes bytes to a value
	Decode(data []byte, v interface{}) error

	// Name returns the codec name
	Name() string
}

// Type identifies a codec on the wire.
type Type byte

const (
	TypeJSON     Type = 0x01
	TypeGob      Type = 0x02
	TypeProtobuf Type = 0x03
)

// ByType returns a codec by type byte.
func ByType(t Type) (Codec, error) {
	switch t {
	case TypeJSON:
		return &JSONCodec{}, nil
	case TypeGob:
		return &GobCodec{}, nil
	case TypeProtobuf:
		return &ProtobufCodec{}, nil
	default:
		return nil, ErrUnsupportedCodec
	}
}

// ByAccept resolves a request's Accept value to a codec type byte.
// Anything unrecognized (including absence) is JSON.
func ByAccept(accept string) Type {
	switch accept {
	case "application/x-gob":
		return TypeGob
	case "application/x-protobuf":
		return TypeProtobuf
	default:
		return TypeJSON
	}
}

// ContentType returns the media type payloads of the given codec type
// are served as.
func ContentType(t Type) string {
	switch t {
	case TypeGob:
		return "application/x-gob"
	case TypeProtobuf:
		return "application/x-protobuf"
	default:
		return "application/json"
	}
}

// JSONCodec implements JSON encoding/decoding.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string { return "json" }
