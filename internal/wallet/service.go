// Package wallet is the entry point to an encrypted record store. A Service
// owns the store and the key ring; Open hands out a Wallet session whose
// operations encrypt every field before it reaches storage.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vaultctl/walletctl/internal/backup"
	"github.com/vaultctl/walletctl/internal/crypto"
	"github.com/vaultctl/walletctl/internal/metrics"
	"github.com/vaultctl/walletctl/internal/storage"
)

// Operation names used for metrics
const (
	OpCreate           = "create"
	OpOpen             = "open"
	OpClose            = "close"
	OpRekey            = "rekey"
	OpFindRecord       = "find_record"
	OpFindRecords      = "find_records"
	OpFindAllRecords   = "find_all_records"
	OpAddRecord        = "add_record"
	OpUpdateRecordVal  = "update_record_value"
	OpAddRecordTags    = "add_record_tags"
	OpUpdateRecordTags = "update_record_tags"
	OpDeleteRecordTags = "delete_record_tags"
	OpDeleteRecord     = "delete_record"
	OpCount            = "count"
	OpExport           = "export"
	OpRestore          = "restore"
)

// Service manages the lifecycle of one wallet store. It is either closed or
// open with a decrypted key ring.
type Service struct {
	store   storage.Store
	engine  *crypto.Engine
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	ring       *crypto.KeyRing
	meta       *storage.Metadata
	generation uint64
	session    *Wallet
}

// Option configures a Service
type Option func(*Service)

// WithEngine sets the crypto engine
func WithEngine(e *crypto.Engine) Option {
	return func(s *Service) { s.engine = e }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wraps store. The store stays owned by the caller.
func NewService(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = crypto.NewEngine(nil)
	}
	return s
}

// Initialized reports whether Create has run on the store
func (s *Service) Initialized(ctx context.Context) (bool, error) {
	_, err := s.store.LoadMetadata(ctx)
	if errors.Is(err, storage.ErrNoMetadata) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create initializes the store: it generates a key ring, seals it under a
// master key derived from passphrase and persists it. The wallet stays
// closed.
func (s *Service) Create(ctx context.Context, passphrase string, method crypto.Method) (err error) {
	defer func() { s.metrics.RecordOperation(OpCreate, err) }()

	initialized, err := s.Initialized(ctx)
	if err != nil {
		return err
	}
	if initialized {
		return ErrAlreadyInitialized
	}

	data, err := s.engine.NewDerivationData(method)
	if err != nil {
		return err
	}
	masterKey, err := s.engine.DeriveMasterKey(passphrase, data)
	if err != nil {
		return err
	}
	defer crypto.Wipe(masterKey)

	ring, err := s.engine.NewKeyRing()
	if err != nil {
		return err
	}
	defer ring.Destroy()

	sealed, err := s.engine.SealKeyRing(ring, masterKey)
	if err != nil {
		return err
	}

	md := &storage.Metadata{
		WalletID:         uuid.New().String(),
		Method:           uint8(method),
		EncryptedKeyRing: sealed,
		MasterKeySalt:    data.Salt,
	}
	if err := s.store.SaveMetadata(ctx, md); err != nil {
		if errors.Is(err, storage.ErrMetadataExists) {
			return ErrAlreadyInitialized
		}
		return err
	}

	s.logger.Info().Str("wallet_id", md.WalletID).Str("method", method.String()).Msg("wallet created")
	return nil
}

func (s *Service) loadMetadata(ctx context.Context) (*storage.Metadata, error) {
	md, err := s.store.LoadMetadata(ctx)
	if errors.Is(err, storage.ErrNoMetadata) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet metadata: %w", err)
	}
	return md, nil
}

// Open derives the master key from passphrase and decrypts the key ring.
// Opening an open wallet returns the existing session without deriving.
func (s *Service) Open(ctx context.Context, passphrase string) (w *Wallet, err error) {
	defer func() { s.metrics.RecordOperation(OpOpen, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring != nil {
		return s.session, nil
	}

	md, err := s.loadMetadata(ctx)
	if err != nil {
		return nil, err
	}
	masterKey, err := s.engine.DeriveMasterKey(passphrase, crypto.DerivationData{
		Method: crypto.Method(md.Method),
		Salt:   md.MasterKeySalt,
	})
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(masterKey)
	return s.openLocked(md, masterKey)
}

// Unlock derives the master key once, opens the wallet with it and returns
// the key for an unlock session cache. The caller must wipe the key. On an
// open wallet the key is still checked against the sealed key ring.
func (s *Service) Unlock(ctx context.Context, passphrase string) (w *Wallet, masterKey []byte, err error) {
	defer func() { s.metrics.RecordOperation(OpOpen, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	md, err := s.loadMetadata(ctx)
	if err != nil {
		return nil, nil, err
	}
	masterKey, err = s.engine.DeriveMasterKey(passphrase, crypto.DerivationData{
		Method: crypto.Method(md.Method),
		Salt:   md.MasterKeySalt,
	})
	if err != nil {
		return nil, nil, err
	}

	if s.ring != nil {
		ring, err := s.engine.OpenKeyRing(md.EncryptedKeyRing, masterKey)
		if err != nil {
			crypto.Wipe(masterKey)
			return nil, nil, ErrAuthenticationFailed
		}
		ring.Destroy()
		return s.session, masterKey, nil
	}
	w, err = s.openLocked(md, masterKey)
	if err != nil {
		crypto.Wipe(masterKey)
		return nil, nil, err
	}
	return w, masterKey, nil
}

// OpenWithMasterKey opens the wallet with an already derived master key, as
// cached by an unlock session
func (s *Service) OpenWithMasterKey(ctx context.Context, masterKey []byte) (w *Wallet, err error) {
	defer func() { s.metrics.RecordOperation(OpOpen, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring != nil {
		return s.session, nil
	}
	md, err := s.loadMetadata(ctx)
	if err != nil {
		return nil, err
	}
	return s.openLocked(md, masterKey)
}

func (s *Service) openLocked(md *storage.Metadata, masterKey []byte) (*Wallet, error) {
	ring, err := s.engine.OpenKeyRing(md.EncryptedKeyRing, masterKey)
	if err != nil {
		s.logger.Warn().Str("wallet_id", md.WalletID).Msg("wallet open rejected")
		return nil, ErrAuthenticationFailed
	}

	s.ring = ring
	s.meta = md
	s.generation++
	s.session = &Wallet{s: s, generation: s.generation}
	s.logger.Info().Str("wallet_id", md.WalletID).Msg("wallet opened")
	return s.session, nil
}

// Rekey re-seals the key ring under a master key derived from next with a
// fresh salt. Records are untouched since the ring itself does not change.
func (s *Service) Rekey(ctx context.Context, current, next string, method crypto.Method) (err error) {
	defer func() { s.metrics.RecordOperation(OpRekey, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	md, err := s.loadMetadata(ctx)
	if err != nil {
		return err
	}
	currentKey, err := s.engine.DeriveMasterKey(current, crypto.DerivationData{
		Method: crypto.Method(md.Method),
		Salt:   md.MasterKeySalt,
	})
	if err != nil {
		return err
	}
	defer crypto.Wipe(currentKey)

	ring, err := s.engine.OpenKeyRing(md.EncryptedKeyRing, currentKey)
	if err != nil {
		return ErrAuthenticationFailed
	}
	defer ring.Destroy()

	data, err := s.engine.NewDerivationData(method)
	if err != nil {
		return err
	}
	nextKey, err := s.engine.DeriveMasterKey(next, data)
	if err != nil {
		return err
	}
	defer crypto.Wipe(nextKey)

	sealed, err := s.engine.SealKeyRing(ring, nextKey)
	if err != nil {
		return err
	}
	rekeyed := &storage.Metadata{
		WalletID:         md.WalletID,
		Method:           uint8(method),
		EncryptedKeyRing: sealed,
		MasterKeySalt:    data.Salt,
	}
	if err := s.store.ReplaceMetadata(ctx, rekeyed); err != nil {
		return fmt.Errorf("failed to store rekeyed wallet: %w", err)
	}
	if s.meta != nil {
		s.meta = rekeyed
	}

	s.logger.Info().Str("wallet_id", md.WalletID).Str("method", method.String()).Msg("wallet rekeyed")
	return nil
}

// Close destroys the key ring. Every session handed out before becomes
// unusable. Closing a closed wallet is a no-op.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring == nil {
		return
	}
	s.ring.Destroy()
	s.ring = nil
	s.session = nil
	s.generation++
	s.metrics.RecordOperation(OpClose, nil)
	s.logger.Info().Str("wallet_id", s.meta.WalletID).Msg("wallet closed")
}

// IsOpen reports whether a session is active
func (s *Service) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring != nil
}

// Wallet returns the active session
func (s *Service) Wallet() (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ring == nil {
		return nil, ErrNotOpen
	}
	return s.session, nil
}

// Export writes every record to an encrypted backup at path, keyed by
// passphrase alone
func (s *Service) Export(ctx context.Context, path, passphrase string, opts ...backup.Option) <-chan backup.Progress {
	w, err := s.Wallet()
	if err != nil {
		return failed(err)
	}
	return s.observeStream(ctx, OpExport, backup.ExportFile(ctx, w, path, passphrase, s.backupOptions(opts)...))
}

// Restore adds the records of the backup at path to the open wallet
func (s *Service) Restore(ctx context.Context, path, passphrase string, opts ...backup.Option) <-chan backup.Progress {
	w, err := s.Wallet()
	if err != nil {
		return failed(err)
	}
	return s.observeStream(ctx, OpRestore, backup.RestoreFile(ctx, w, path, passphrase, s.backupOptions(opts)...))
}

func (s *Service) backupOptions(opts []backup.Option) []backup.Option {
	base := []backup.Option{
		backup.WithEngine(s.engine),
		backup.WithLogger(s.logger),
		backup.WithMetrics(s.metrics),
	}
	return append(base, opts...)
}

// observeStream forwards a progress stream, counting its outcome
func (s *Service) observeStream(ctx context.Context, op string, in <-chan backup.Progress) <-chan backup.Progress {
	out := make(chan backup.Progress)
	go func() {
		defer close(out)
		var last backup.Progress
		for p := range in {
			last = p
			select {
			case out <- p:
			case <-ctx.Done():
				s.metrics.RecordOperation(op, ctx.Err())
				return
			}
		}
		err := last.Err
		if err == nil && !last.Done {
			err = backup.ErrIncomplete
		}
		s.metrics.RecordOperation(op, err)
	}()
	return out
}

func failed(err error) <-chan backup.Progress {
	ch := make(chan backup.Progress, 1)
	ch <- backup.Progress{Err: err}
	close(ch)
	return ch
}
