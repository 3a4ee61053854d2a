package backup

import (
	"fmt"
	"time"

	"github.com/vaultctl/walletctl/internal/codec"
	"github.com/vaultctl/walletctl/internal/crypto"
)

const (
	// DefaultChunkSize is the plaintext size of every payload chunk but the last
	DefaultChunkSize = 1024

	// FormatVersion is the only backup layout this package reads and writes
	FormatVersion = 0

	// maxHeaderSize bounds the header length prefix read from a file
	maxHeaderSize = 4096

	// maxChunkSize bounds the chunk size accepted from a header
	maxChunkSize = 16 << 20
)

// Header describes how a backup payload was encrypted. Its serialized bytes
// are hashed into the payload, binding the header to the records.
type Header struct {
	Method    crypto.Method
	Salt      []byte
	Nonce     []byte
	ChunkSize int
	Timestamp time.Time
	Version   int
}

// headerWire is [[method, [salt, nonce, chunkSize]], timestamp, version]
// with salt and nonce written as arrays of small integers
type headerWire struct {
	_struct struct{} `codec:",toarray"`

	Derivation derivationWire
	Timestamp  int64
	Version    int
}

type derivationWire struct {
	_struct struct{} `codec:",toarray"`

	Method uint8
	Params paramsWire
}

type paramsWire struct {
	_struct struct{} `codec:",toarray"`

	Salt      []int
	Nonce     []int
	ChunkSize int
}

func toInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func fromInts(in []int) ([]byte, error) {
	out := make([]byte, len(in))
	for i, v := range in {
		if v < 0 || v > 0xff {
			return nil, fmt.Errorf("header byte %d out of range", v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// newHeader builds a header with a zero starting nonce
func newHeader(data crypto.DerivationData, chunkSize int, now time.Time) *Header {
	return &Header{
		Method:    data.Method,
		Salt:      data.Salt,
		Nonce:     make([]byte, crypto.NonceSize),
		ChunkSize: chunkSize,
		Timestamp: now.UTC().Truncate(time.Second),
		Version:   FormatVersion,
	}
}

// MarshalBinary serializes the header
func (h *Header) MarshalBinary() ([]byte, error) {
	return codec.Encode(&headerWire{
		Derivation: derivationWire{
			Method: uint8(h.Method),
			Params: paramsWire{
				Salt:      toInts(h.Salt),
				Nonce:     toInts(h.Nonce),
				ChunkSize: h.ChunkSize,
			},
		},
		Timestamp: h.Timestamp.Unix(),
		Version:   h.Version,
	})
}

// UnmarshalHeader parses and validates a serialized header
func UnmarshalHeader(b []byte) (*Header, error) {
	var w headerWire
	if err := codec.Decode(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, w.Version)
	}

	salt, err := fromInts(w.Derivation.Params.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	nonce, err := fromInts(w.Derivation.Params.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	h := &Header{
		Method:    crypto.Method(w.Derivation.Method),
		Salt:      salt,
		Nonce:     nonce,
		ChunkSize: w.Derivation.Params.ChunkSize,
		Timestamp: time.Unix(w.Timestamp, 0).UTC(),
		Version:   w.Version,
	}
	switch {
	case !h.Method.Valid():
		return nil, fmt.Errorf("%w: unknown derivation method %d", ErrMalformed, h.Method)
	case len(h.Nonce) != crypto.NonceSize:
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrMalformed, crypto.NonceSize)
	case h.ChunkSize <= 0 || h.ChunkSize > maxChunkSize:
		return nil, fmt.Errorf("%w: invalid chunk size %d", ErrMalformed, h.ChunkSize)
	}
	return h, nil
}

// DerivationData returns the inputs needed to re-derive the payload key
func (h *Header) DerivationData() crypto.DerivationData {
	return crypto.DerivationData{Method: h.Method, Salt: h.Salt}
}
