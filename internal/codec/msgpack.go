package codec

import (
	"fmt"

	"github.com/algorand/go-codec/codec"
)

// The wallet owns its msgpack settings so that key rings, backup headers and
// exported records keep decoding if another consumer of go-codec changes its
// defaults.
var handle *codec.MsgpackHandle

func init() {
	handle = new(codec.MsgpackHandle)
	handle.ErrorIfNoField = true
	handle.ErrorIfNoArrayExpand = true
	handle.Canonical = true
	handle.RecursiveEmptyCheck = true
	handle.WriteExt = true
	handle.PositiveIntUnsigned = true
}

// Encode serializes obj to a msgpack blob
func Encode(obj interface{}) ([]byte, error) {
	var b []byte
	enc := codec.NewEncoderBytes(&b, handle)
	if err := enc.Encode(obj); err != nil {
		return nil, fmt.Errorf("failed to encode msgpack: %w", err)
	}
	return b, nil
}

// Decode parses a msgpack blob into objptr
func Decode(b []byte, objptr interface{}) error {
	dec := codec.NewDecoderBytes(b, handle)
	if err := dec.Decode(objptr); err != nil {
		return fmt.Errorf("failed to decode msgpack: %w", err)
	}
	return nil
}
