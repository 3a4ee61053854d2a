package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no item matches a lookup
	ErrNotFound = errors.New("item not found")

	// ErrDuplicate is returned when an item with the same encrypted
	// (type, name) pair already exists
	ErrDuplicate = errors.New("duplicate record")

	// ErrNoMetadata is returned by LoadMetadata on an uninitialized store
	ErrNoMetadata = errors.New("wallet metadata not found")

	// ErrMetadataExists is returned when metadata was already written
	ErrMetadataExists = errors.New("wallet metadata already exists")
)

// Metadata is the single metadata slot of a store: the sealed key ring and
// the salt its master key was derived with.
type Metadata struct {
	WalletID         string
	Method           uint8
	EncryptedKeyRing []byte
	MasterKeySalt    []byte
}

// Item is one encrypted record row. ID is assigned by the store.
type Item struct {
	ID    int64
	Type  []byte
	Name  []byte
	Value []byte
	Key   []byte
}

// Tag is one tag row. Name is always encrypted; Value is encrypted unless
// Plaintext is set.
type Tag struct {
	ItemID    int64
	Name      []byte
	Value     []byte
	Plaintext bool
}

// ItemWithTags is an item joined with all of its tag rows
type ItemWithTags struct {
	Item Item
	Tags []Tag
}

// TagUpdateFunc computes a new tag set from the stored one
type TagUpdateFunc func(existing []Tag) ([]Tag, error)

// Store is the indexed row store a wallet persists into. Every mutating call
// runs as a single transaction covering the item and all of its tags.
type Store interface {
	LoadMetadata(ctx context.Context) (*Metadata, error)
	SaveMetadata(ctx context.Context, md *Metadata) error
	// ReplaceMetadata overwrites an existing metadata slot
	ReplaceMetadata(ctx context.Context, md *Metadata) error

	InsertItem(ctx context.Context, item *Item, tags []Tag) (int64, error)
	UpdateItemValue(ctx context.Context, id int64, value, key []byte) error
	ReplaceTags(ctx context.Context, id int64, tags []Tag) error
	// UpdateTags reads an item's tags and writes back what fn returns in
	// the same transaction
	UpdateTags(ctx context.Context, id int64, fn TagUpdateFunc) error
	DeleteItem(ctx context.Context, id int64) error

	FindItem(ctx context.Context, typ, name []byte) (*ItemWithTags, error)
	FindItemsByType(ctx context.Context, typ []byte) ([]ItemWithTags, error)
	AllItems(ctx context.Context) ([]ItemWithTags, error)
	CountItems(ctx context.Context) (int64, error)

	Close() error
}

// Backend names accepted by Open
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Open opens (creating if needed) a store of the given backend at path
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLiteStore(path)
	case BackendBolt:
		return NewBoltStore(path)
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}
