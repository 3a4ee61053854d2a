// Package backup writes a wallet's records to a single passphrase-encrypted
// file and restores them from it.
//
// File layout:
//
//	uint32LE len(header) | header | chunked AEAD payload
//
// The payload plaintext is sha256(header) followed by length-prefixed wire
// records and a zero length terminator. It is cut into ChunkSize pieces,
// each sealed under the derived key with a nonce that starts at the
// header's nonce and is incremented once per chunk.
package backup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/vaultctl/walletctl/internal/crypto"
	"github.com/vaultctl/walletctl/internal/metrics"
	"github.com/vaultctl/walletctl/internal/record"
	"github.com/vaultctl/walletctl/internal/storage"
)

var (
	// ErrIntegrityMismatch is returned when the payload does not match its
	// header or is not properly terminated
	ErrIntegrityMismatch = errors.New("backup integrity check failed")

	// ErrUnsupportedVersion is returned for an unknown format version
	ErrUnsupportedVersion = errors.New("unsupported backup format version")

	// ErrMalformed is returned when the header cannot be parsed
	ErrMalformed = errors.New("malformed backup header")

	// ErrWalletNotEmpty is returned by ModeEmptyOnly restores into a wallet
	// that already has records
	ErrWalletNotEmpty = errors.New("restore target wallet is not empty")

	// ErrIncomplete is returned by Wait when a stream ends without finishing
	ErrIncomplete = errors.New("backup stream ended before completion")
)

// maxRecordSize bounds a single record length prefix
const maxRecordSize = 64 << 20

// Mode selects how Restore treats a destination that already has records
type Mode int

const (
	// ModeEmptyOnly refuses to restore into a non-empty wallet
	ModeEmptyOnly Mode = iota
	// ModeMerge adds every record and fails, before adding anything, if
	// one of them already exists
	ModeMerge
	// ModeMergeSkipDuplicates adds the records that do not exist yet
	ModeMergeSkipDuplicates
)

func (m Mode) String() string {
	switch m {
	case ModeEmptyOnly:
		return "empty-only"
	case ModeMerge:
		return "merge"
	case ModeMergeSkipDuplicates:
		return "skip-duplicates"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts the names printed by Mode.String
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeEmptyOnly, ModeMerge, ModeMergeSkipDuplicates} {
		if s == m.String() {
			return m, nil
		}
	}
	if s == "" {
		return ModeEmptyOnly, nil
	}
	return 0, fmt.Errorf("unknown restore mode %q", s)
}

// Source supplies the records to export
type Source interface {
	FindAllRecords(ctx context.Context) ([]record.WalletRecord, error)
}

// Destination receives restored records. AddRecord must report an existing
// (type, name) with an error matching storage.ErrDuplicate.
type Destination interface {
	Count(ctx context.Context) (int64, error)
	FindRecord(ctx context.Context, typ, name string) (*record.WalletRecord, error)
	AddRecord(ctx context.Context, rec record.WalletRecord) error
}

// Progress is one update from an export or restore stream. The last message
// has Done or Err set.
type Progress struct {
	Processed int
	Total     int
	Skipped   int
	Done      bool
	Err       error
}

// Options configure export and restore
type Options struct {
	Method    crypto.Method
	ChunkSize int
	Mode      Mode
	Engine    *crypto.Engine
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Option mutates Options
type Option func(*Options)

// WithMethod selects the key derivation method of a new backup
func WithMethod(m crypto.Method) Option {
	return func(o *Options) { o.Method = m }
}

// WithChunkSize overrides DefaultChunkSize for a new backup
func WithChunkSize(n int) Option {
	return func(o *Options) { o.ChunkSize = n }
}

// WithMode selects the restore mode
func WithMode(m Mode) Option {
	return func(o *Options) { o.Mode = m }
}

// WithEngine sets the crypto engine
func WithEngine(e *crypto.Engine) Option {
	return func(o *Options) { o.Engine = e }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics counts exported and restored records
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithClock overrides the header timestamp source
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

func newOptions(opts []Option) *Options {
	o := &Options{
		Method:    crypto.MethodArgon2Moderate,
		ChunkSize: DefaultChunkSize,
		Mode:      ModeEmptyOnly,
		Logger:    zerolog.Nop(),
		Now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.Engine == nil {
		o.Engine = crypto.NewEngine(nil)
	}
	return o
}

// Write encrypts records into w. onRecord, if set, is called after each
// record is written with the number written so far.
func Write(ctx context.Context, w io.Writer, records []record.WalletRecord, passphrase string, onRecord func(int), opts ...Option) error {
	o := newOptions(opts)
	if o.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size %d", o.ChunkSize)
	}

	data, err := o.Engine.NewDerivationData(o.Method)
	if err != nil {
		return err
	}
	key, err := o.Engine.DeriveMasterKey(passphrase, data)
	if err != nil {
		return err
	}
	defer crypto.Wipe(key)

	header := newHeader(data, o.ChunkSize, o.Now())
	headerBytes, err := header.MarshalBinary()
	if err != nil {
		return err
	}

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(headerBytes)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write backup header: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("failed to write backup header: %w", err)
	}

	cw := newChunkWriter(w, o.Engine, key, header.Nonce, header.ChunkSize)
	if _, err := cw.Write(o.Engine.Hash(headerBytes)); err != nil {
		return err
	}
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		wire, err := rec.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		binary.LittleEndian.PutUint32(prefix[:], uint32(len(wire)))
		if _, err := cw.Write(prefix[:]); err != nil {
			return err
		}
		if _, err := cw.Write(wire); err != nil {
			return err
		}
		crypto.Wipe(wire)
		if onRecord != nil {
			onRecord(i + 1)
		}
	}
	binary.LittleEndian.PutUint32(prefix[:], 0)
	if _, err := cw.Write(prefix[:]); err != nil {
		return err
	}
	return cw.Close()
}

// Read decrypts and parses a whole backup. Nothing is returned unless the
// header hash, every chunk and the terminator check out.
func Read(r io.Reader, passphrase string, opts ...Option) (*Header, []record.WalletRecord, error) {
	o := newOptions(opts)
	br := bufio.NewReader(r)

	header, headerBytes, err := readHeader(br)
	if err != nil {
		return nil, nil, err
	}

	key, err := o.Engine.DeriveMasterKey(passphrase, header.DerivationData())
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Wipe(key)

	cr := newChunkReader(br, o.Engine, key, header.Nonce, header.ChunkSize)
	hash := make([]byte, crypto.HashSize)
	if _, err := io.ReadFull(cr, hash); err != nil {
		return nil, nil, payloadError(err)
	}
	if !crypto.ConstantTimeCompare(hash, o.Engine.Hash(headerBytes)) {
		return nil, nil, ErrIntegrityMismatch
	}

	var prefix [4]byte
	var records []record.WalletRecord
	for {
		if _, err := io.ReadFull(cr, prefix[:]); err != nil {
			return nil, nil, payloadError(err)
		}
		size := binary.LittleEndian.Uint32(prefix[:])
		if size == 0 {
			break
		}
		if size > maxRecordSize {
			return nil, nil, fmt.Errorf("%w: record length %d", ErrIntegrityMismatch, size)
		}
		wire := make([]byte, size)
		if _, err := io.ReadFull(cr, wire); err != nil {
			return nil, nil, payloadError(err)
		}
		rec, err := record.UnmarshalRecord(wire)
		crypto.Wipe(wire)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
		}
		records = append(records, rec)
	}

	// anything after the terminator is tampering
	var trailing [1]byte
	n, err := cr.Read(trailing[:])
	if n > 0 {
		return nil, nil, fmt.Errorf("%w: trailing data after terminator", ErrIntegrityMismatch)
	}
	if !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	return header, records, nil
}

// payloadError maps a short payload to ErrIntegrityMismatch and passes
// decryption and I/O failures through
func payloadError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: payload truncated", ErrIntegrityMismatch)
	}
	return err
}

// Export streams every record of src into w. The channel reports one
// message per record and is closed after the final message.
func Export(ctx context.Context, src Source, w io.Writer, passphrase string, opts ...Option) <-chan Progress {
	o := newOptions(opts)
	ch := make(chan Progress, 1)

	go func() {
		defer close(ch)
		records, err := src.FindAllRecords(ctx)
		if err != nil {
			finish(ctx, ch, Progress{Err: err})
			return
		}

		total := len(records)
		processed := 0
		err = Write(ctx, w, records, passphrase, func(n int) {
			processed = n
			send(ctx, ch, Progress{Processed: n, Total: total})
		}, opts...)
		o.Metrics.AddBackupRecords(metrics.DirectionExport, processed)
		if err != nil {
			o.Logger.Error().Err(err).Int("processed", processed).Msg("backup export failed")
			finish(ctx, ch, Progress{Processed: processed, Total: total, Err: err})
			return
		}
		o.Logger.Info().Int("records", total).Msg("backup exported")
		finish(ctx, ch, Progress{Processed: total, Total: total, Done: true})
	}()
	return ch
}

// Restore parses the whole backup in r and then adds its records to dst
// according to the restore mode
func Restore(ctx context.Context, dst Destination, r io.Reader, passphrase string, opts ...Option) <-chan Progress {
	o := newOptions(opts)
	ch := make(chan Progress, 1)

	go func() {
		defer close(ch)
		header, records, err := Read(r, passphrase, opts...)
		if err != nil {
			o.Logger.Warn().Err(err).Msg("backup rejected")
			finish(ctx, ch, Progress{Err: err})
			return
		}
		total := len(records)
		o.Logger.Debug().
			Int("records", total).
			Time("created", header.Timestamp).
			Str("mode", o.Mode.String()).
			Msg("backup decoded")

		if err := checkDestination(ctx, dst, records, o.Mode); err != nil {
			finish(ctx, ch, Progress{Total: total, Err: err})
			return
		}

		p := Progress{Total: total}
		added := 0
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				o.Metrics.AddBackupRecords(metrics.DirectionRestore, added)
				finish(ctx, ch, Progress{Processed: p.Processed, Total: total, Skipped: p.Skipped, Err: err})
				return
			}
			err := dst.AddRecord(ctx, rec)
			switch {
			case err == nil:
				added++
			case o.Mode == ModeMergeSkipDuplicates && isDuplicate(err):
				p.Skipped++
			default:
				o.Metrics.AddBackupRecords(metrics.DirectionRestore, added)
				o.Logger.Error().Err(err).Int("processed", p.Processed).Msg("backup restore failed")
				p.Err = err
				finish(ctx, ch, p)
				return
			}
			p.Processed++
			send(ctx, ch, p)
		}
		o.Metrics.AddBackupRecords(metrics.DirectionRestore, added)
		o.Logger.Info().Int("records", added).Int("skipped", p.Skipped).Msg("backup restored")
		p.Done = true
		finish(ctx, ch, p)
	}()
	return ch
}

// checkDestination enforces the restore mode before any record is added
func checkDestination(ctx context.Context, dst Destination, records []record.WalletRecord, mode Mode) error {
	switch mode {
	case ModeEmptyOnly:
		n, err := dst.Count(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrWalletNotEmpty
		}
	case ModeMerge:
		for _, rec := range records {
			existing, err := dst.FindRecord(ctx, rec.Type, rec.Name)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("record %q of type %q: %w", rec.Name, rec.Type, storage.ErrDuplicate)
			}
		}
	case ModeMergeSkipDuplicates:
	default:
		return fmt.Errorf("unknown restore mode %d", mode)
	}
	return nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, storage.ErrDuplicate)
}

// send delivers p unless ctx is cancelled
func send(ctx context.Context, ch chan<- Progress, p Progress) bool {
	select {
	case ch <- p:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish delivers the terminal message, reporting cancellation if ctx ended
func finish(ctx context.Context, ch chan<- Progress, p Progress) {
	if !send(ctx, ch, p) {
		p.Done = false
		p.Err = ctx.Err()
		select {
		case ch <- p:
		default:
		}
	}
}

// Wait drains a progress stream and returns its final message
func Wait(ch <-chan Progress) (Progress, error) {
	var last Progress
	for p := range ch {
		last = p
	}
	if last.Err != nil {
		return last, last.Err
	}
	if !last.Done {
		return last, ErrIncomplete
	}
	return last, nil
}

// Inspect reads only the header of a backup
func Inspect(r io.Reader) (*Header, error) {
	header, _, err := readHeader(r)
	return header, err
}

// readHeader reads the length-prefixed header, returning it with its raw bytes
func readHeader(r io.Reader) (*Header, []byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	headerLen := binary.LittleEndian.Uint32(prefix[:])
	if headerLen == 0 || headerLen > maxHeaderSize {
		return nil, nil, fmt.Errorf("%w: header length %d", ErrMalformed, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	header, err := UnmarshalHeader(headerBytes)
	if err != nil {
		return nil, nil, err
	}
	return header, headerBytes, nil
}

// ExportBytes is Export into memory, used for archive uploads
func ExportBytes(ctx context.Context, src Source, passphrase string, opts ...Option) ([]byte, Progress, error) {
	var buf bytes.Buffer
	p, err := Wait(Export(ctx, src, &buf, passphrase, opts...))
	if err != nil {
		return nil, p, err
	}
	return buf.Bytes(), p, nil
}
