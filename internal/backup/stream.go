package backup

import (
	"errors"
	"fmt"
	"io"

	"github.com/vaultctl/walletctl/internal/crypto"
)

// chunkWriter encrypts everything written to it in chunkSize pieces. The
// nonce is advanced once per chunk, so chunk order is authenticated.
type chunkWriter struct {
	w         io.Writer
	engine    *crypto.Engine
	key       []byte
	nonce     []byte
	chunkSize int
	buf       []byte
}

func newChunkWriter(w io.Writer, engine *crypto.Engine, key, nonce []byte, chunkSize int) *chunkWriter {
	return &chunkWriter{
		w:         w,
		engine:    engine,
		key:       key,
		nonce:     append([]byte(nil), nonce...),
		chunkSize: chunkSize,
		buf:       make([]byte, 0, chunkSize),
	}
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := c.chunkSize - len(c.buf)
		if n > len(p) {
			n = len(p)
		}
		c.buf = append(c.buf, p[:n]...)
		p = p[n:]
		written += n
		if len(c.buf) == c.chunkSize {
			if err := c.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (c *chunkWriter) flush() error {
	if len(c.buf) == 0 {
		return nil
	}
	sealed, err := c.engine.Encrypt(c.buf, c.nonce, c.key)
	if err != nil {
		return err
	}
	if _, err := c.w.Write(sealed); err != nil {
		return fmt.Errorf("failed to write backup chunk: %w", err)
	}
	crypto.IncrementNonce(c.nonce)
	crypto.Wipe(c.buf)
	c.buf = c.buf[:0]
	return nil
}

// Close encrypts the final, possibly short, chunk
func (c *chunkWriter) Close() error {
	return c.flush()
}

// chunkReader is the inverse of chunkWriter. Every ciphertext chunk is
// chunkSize+TagSize bytes except the last.
type chunkReader struct {
	r         io.Reader
	engine    *crypto.Engine
	key       []byte
	nonce     []byte
	chunkSize int
	cipher    []byte
	plain     []byte
	err       error
}

func newChunkReader(r io.Reader, engine *crypto.Engine, key, nonce []byte, chunkSize int) *chunkReader {
	return &chunkReader{
		r:         r,
		engine:    engine,
		key:       key,
		nonce:     append([]byte(nil), nonce...),
		chunkSize: chunkSize,
		cipher:    make([]byte, chunkSize+crypto.TagSize),
	}
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for len(c.plain) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		c.next()
	}
	n := copy(p, c.plain)
	c.plain = c.plain[n:]
	return n, nil
}

// next decrypts one chunk into c.plain, or records the terminal error
func (c *chunkReader) next() {
	n, err := io.ReadFull(c.r, c.cipher)
	switch {
	case errors.Is(err, io.EOF):
		c.err = io.EOF
		return
	case errors.Is(err, io.ErrUnexpectedEOF):
		// short final chunk; the next read reports EOF
		c.err = io.EOF
	case err != nil:
		c.err = fmt.Errorf("failed to read backup chunk: %w", err)
		return
	}

	plain, derr := c.engine.Decrypt(c.cipher[:n], c.nonce, c.key)
	if derr != nil {
		c.err = derr
		return
	}
	crypto.IncrementNonce(c.nonce)
	c.plain = plain
}
