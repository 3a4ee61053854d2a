package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/vaultctl/walletctl/internal/crypto"
	"github.com/vaultctl/walletctl/internal/record"
	"github.com/vaultctl/walletctl/internal/storage"
)

// Wallet is an open session. It is safe for concurrent use and stops working
// once the Service is closed.
type Wallet struct {
	s          *Service
	generation uint64
}

// acquire read-locks the service for the duration of one operation and
// returns the live key ring. release must be called when err is nil.
func (w *Wallet) acquire() (ring *crypto.KeyRing, release func(), err error) {
	w.s.mu.RLock()
	if w.s.ring == nil || w.s.generation != w.generation {
		w.s.mu.RUnlock()
		return nil, nil, ErrNotOpen
	}
	return w.s.ring, w.s.mu.RUnlock, nil
}

// ID returns the wallet id assigned at creation, or "" once closed
func (w *Wallet) ID() string {
	_, release, err := w.acquire()
	if err != nil {
		return ""
	}
	defer release()
	return w.s.meta.WalletID
}

func (w *Wallet) observe(op string, err error) {
	w.s.metrics.RecordOperation(op, err)
}

// find locates the item for (typ, name); a missing item is (nil, nil)
func (w *Wallet) find(ctx context.Context, ring *crypto.KeyRing, typ, name string) (*storage.ItemWithTags, error) {
	encType, encName, err := record.EncryptedKey(w.s.engine, ring, typ, name)
	if err != nil {
		return nil, err
	}
	found, err := w.s.store.FindItem(ctx, encType, encName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find record: %w", err)
	}
	return found, nil
}

// FindRecord returns the record with the given type and name, or nil if
// there is none
func (w *Wallet) FindRecord(ctx context.Context, typ, name string) (rec *record.WalletRecord, err error) {
	defer func() { w.observe(OpFindRecord, err) }()

	ring, release, err := w.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	found, err := w.find(ctx, ring, typ, name)
	if err != nil || found == nil {
		return nil, err
	}
	decoded, err := record.Decode(w.s.engine, ring, found.Item, found.Tags)
	if err != nil {
		return nil, err
	}
	return &decoded, nil
}

// FindRecords returns every record of the given type. Records that fail to
// decrypt are left out and reported together in the returned error.
func (w *Wallet) FindRecords(ctx context.Context, typ string) (recs []record.WalletRecord, err error) {
	defer func() { w.observe(OpFindRecords, err) }()

	ring, release, err := w.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	encType, err := record.EncryptedType(w.s.engine, ring, typ)
	if err != nil {
		return nil, err
	}
	items, err := w.s.store.FindItemsByType(ctx, encType)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return w.decodeAll(ring, items)
}

// FindAllRecords returns every record in the wallet, with the same partial
// failure reporting as FindRecords
func (w *Wallet) FindAllRecords(ctx context.Context) (recs []record.WalletRecord, err error) {
	defer func() { w.observe(OpFindAllRecords, err) }()

	ring, release, err := w.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	items, err := w.s.store.AllItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return w.decodeAll(ring, items)
}

func (w *Wallet) decodeAll(ring *crypto.KeyRing, items []storage.ItemWithTags) ([]record.WalletRecord, error) {
	recs := make([]record.WalletRecord, 0, len(items))
	var errs []error
	for _, it := range items {
		rec, err := record.Decode(w.s.engine, ring, it.Item, it.Tags)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", it.Item.ID, err))
			continue
		}
		recs = append(recs, rec)
	}
	if len(errs) > 0 {
		w.s.logger.Warn().Int("failed", len(errs)).Msg("records failed to decrypt")
	}
	return recs, errors.Join(errs...)
}

// AddRecord encrypts and stores rec. It fails with ErrDuplicateRecord if a
// record with the same type and name exists.
func (w *Wallet) AddRecord(ctx context.Context, rec record.WalletRecord) (err error) {
	defer func() { w.observe(OpAddRecord, err) }()

	ring, release, err := w.acquire()
	if err != nil {
		return err
	}
	defer release()

	item, tags, err := record.Encode(w.s.engine, ring, rec)
	if err != nil {
		return err
	}
	if _, err := w.s.store.InsertItem(ctx, &item, tags); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return ErrDuplicateRecord
		}
		return fmt.Errorf("failed to add record: %w", err)
	}
	return nil
}

// UpdateRecordValue replaces the value of a record. A missing record is
// not an error.
func (w *Wallet) UpdateRecordValue(ctx context.Context, typ, name, value string) (err error) {
	defer func() { w.observe(OpUpdateRecordVal, err) }()

	ring, release, err := w.acquire()
	if err != nil {
		return err
	}
	defer release()

	found, err := w.find(ctx, ring, typ, name)
	if err != nil || found == nil {
		return err
	}
	sealed, key, err := w.s.engine.SealValue([]byte(value), ring.ValueKey())
	if err != nil {
		return err
	}
	return ignoreNotFound(w.s.store.UpdateItemValue(ctx, found.Item.ID, sealed, key))
}

// UpdateRecordTags replaces the whole tag set of a record
func (w *Wallet) UpdateRecordTags(ctx context.Context, typ, name string, tags ...record.Tag) (err error) {
	defer func() { w.observe(OpUpdateRecordTags, err) }()

	return w.rewriteTags(ctx, typ, name, func(ring *crypto.KeyRing, _ []storage.Tag) ([]storage.Tag, error) {
		return record.EncodeTags(w.s.engine, ring, tags)
	})
}

// AddRecordTags merges tags into a record's tag set. A tag with the same
// name and kind as an existing one replaces it.
func (w *Wallet) AddRecordTags(ctx context.Context, typ, name string, tags ...record.Tag) (err error) {
	defer func() { w.observe(OpAddRecordTags, err) }()

	return w.rewriteTags(ctx, typ, name, func(ring *crypto.KeyRing, existing []storage.Tag) ([]storage.Tag, error) {
		added, err := record.EncodeTags(w.s.engine, ring, tags)
		if err != nil {
			return nil, err
		}
		merged := make([]storage.Tag, 0, len(existing)+len(added))
		for _, old := range existing {
			if !containsTag(added, old) {
				merged = append(merged, old)
			}
		}
		return append(merged, added...), nil
	})
}

// DeleteRecordTags removes tags by wire name; a "~" prefix selects the
// plaintext tag of that name
func (w *Wallet) DeleteRecordTags(ctx context.Context, typ, name string, names ...string) (err error) {
	defer func() { w.observe(OpDeleteRecordTags, err) }()

	return w.rewriteTags(ctx, typ, name, func(ring *crypto.KeyRing, existing []storage.Tag) ([]storage.Tag, error) {
		drop := make([]storage.Tag, 0, len(names))
		for _, n := range names {
			t := record.ParseTag(n, "")
			encName, err := w.s.engine.EncryptSearchable([]byte(t.Name), ring.TagNameKey(), ring.TagsHMACKey())
			if err != nil {
				return nil, err
			}
			drop = append(drop, storage.Tag{Name: encName, Plaintext: t.Plaintext})
		}
		kept := make([]storage.Tag, 0, len(existing))
		for _, old := range existing {
			if !containsTag(drop, old) {
				kept = append(kept, old)
			}
		}
		return kept, nil
	})
}

// containsTag matches on encrypted name and kind. Searchable encryption
// makes equal names encrypt identically.
func containsTag(tags []storage.Tag, t storage.Tag) bool {
	for _, c := range tags {
		if c.Plaintext == t.Plaintext && bytes.Equal(c.Name, t.Name) {
			return true
		}
	}
	return false
}

// rewriteTags computes a new tag set from the stored one. The read and the
// write share one store transaction, so concurrent tag edits never drop
// each other's changes.
func (w *Wallet) rewriteTags(ctx context.Context, typ, name string, next func(*crypto.KeyRing, []storage.Tag) ([]storage.Tag, error)) error {
	ring, release, err := w.acquire()
	if err != nil {
		return err
	}
	defer release()

	found, err := w.find(ctx, ring, typ, name)
	if err != nil || found == nil {
		return err
	}
	return ignoreNotFound(w.s.store.UpdateTags(ctx, found.Item.ID, func(existing []storage.Tag) ([]storage.Tag, error) {
		return next(ring, existing)
	}))
}

// DeleteRecord removes a record and its tags. A missing record is not an
// error.
func (w *Wallet) DeleteRecord(ctx context.Context, typ, name string) (err error) {
	defer func() { w.observe(OpDeleteRecord, err) }()

	ring, release, err := w.acquire()
	if err != nil {
		return err
	}
	defer release()

	found, err := w.find(ctx, ring, typ, name)
	if err != nil || found == nil {
		return err
	}
	return ignoreNotFound(w.s.store.DeleteItem(ctx, found.Item.ID))
}

// Count returns the number of records
func (w *Wallet) Count(ctx context.Context) (n int64, err error) {
	defer func() { w.observe(OpCount, err) }()

	_, release, err := w.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	n, err = w.s.store.CountItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// ignoreNotFound treats a record deleted by a concurrent writer as a no-op
func ignoreNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
