package codec

import (
	"bytes"
	"encoding/gob"
)

// GobCodec implements gob encoding/decoding for Go-to-Go payloads.
type GobCodec struct{}

func (c *GobCodec) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) Decode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (c *GobCodec) Name() string { return "gob" }
