package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/vaultctl/walletctl/internal/codec"
)

// Bucket names
var (
	metaBucket  = []byte("meta")
	itemsBucket = []byte("items")
	indexBucket = []byte("index")
	tagsBucket  = []byte("tags")

	metadataKey = []byte("wallet")
)

// BoltStore keeps a wallet in a bbolt file. Items are keyed by sequence id;
// the index bucket maps length-prefixed (type, name) to that id.
type BoltStore struct {
	db *bbolt.DB
}

type boltMetadata struct {
	WalletID      string `codec:"id"`
	Method        uint8  `codec:"method"`
	Keys          []byte `codec:"keys"`
	MasterKeySalt []byte `codec:"salt"`
}

type boltItem struct {
	Type  []byte `codec:"type"`
	Name  []byte `codec:"name"`
	Value []byte `codec:"value"`
	Key   []byte `codec:"key"`
}

type boltTag struct {
	Name      []byte `codec:"name"`
	Value     []byte `codec:"value"`
	Plaintext bool   `codec:"plain"`
}

// NewBoltStore opens or creates the bbolt file at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create wallet directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{metaBucket, itemsBucket, indexBucket, tagsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// typePrefix is the index prefix shared by all items of one type
func typePrefix(typ []byte) []byte {
	prefix := make([]byte, 4, 4+len(typ))
	binary.BigEndian.PutUint32(prefix, uint32(len(typ)))
	return append(prefix, typ...)
}

func indexKey(typ, name []byte) []byte {
	return append(typePrefix(typ), name...)
}

// LoadMetadata reads the metadata slot
func (s *BoltStore) LoadMetadata(ctx context.Context) (*Metadata, error) {
	var md *Metadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(metadataKey)
		if raw == nil {
			return ErrNoMetadata
		}
		var row boltMetadata
		if err := codec.Decode(raw, &row); err != nil {
			return err
		}
		md = &Metadata{
			WalletID:         row.WalletID,
			Method:           row.Method,
			EncryptedKeyRing: row.Keys,
			MasterKeySalt:    row.MasterKeySalt,
		}
		return nil
	})
	return md, err
}

// SaveMetadata writes the metadata slot once
func (s *BoltStore) SaveMetadata(ctx context.Context, md *Metadata) error {
	return s.putMetadata(md, false)
}

// ReplaceMetadata overwrites the metadata slot
func (s *BoltStore) ReplaceMetadata(ctx context.Context, md *Metadata) error {
	return s.putMetadata(md, true)
}

func (s *BoltStore) putMetadata(md *Metadata, replace bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		exists := b.Get(metadataKey) != nil
		switch {
		case exists && !replace:
			return ErrMetadataExists
		case !exists && replace:
			return ErrNoMetadata
		}
		raw, err := codec.Encode(boltMetadata{
			WalletID:      md.WalletID,
			Method:        md.Method,
			Keys:          md.EncryptedKeyRing,
			MasterKeySalt: md.MasterKeySalt,
		})
		if err != nil {
			return err
		}
		return b.Put(metadataKey, raw)
	})
}

// InsertItem stores item and its tags, returning the assigned id
func (s *BoltStore) InsertItem(ctx context.Context, item *Item, tags []Tag) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(indexBucket)
		key := indexKey(item.Type, item.Name)
		if index.Get(key) != nil {
			return ErrDuplicate
		}

		items := tx.Bucket(itemsBucket)
		seq, err := items.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate item id: %w", err)
		}
		id = int64(seq)

		raw, err := codec.Encode(boltItem{Type: item.Type, Name: item.Name, Value: item.Value, Key: item.Key})
		if err != nil {
			return err
		}
		if err := items.Put(itob(id), raw); err != nil {
			return fmt.Errorf("failed to store item: %w", err)
		}
		if err := index.Put(key, itob(id)); err != nil {
			return fmt.Errorf("failed to index item: %w", err)
		}
		return putTags(tx, id, tags)
	})
	if err != nil {
		return 0, err
	}
	item.ID = id
	return id, nil
}

func putTags(tx *bbolt.Tx, id int64, tags []Tag) error {
	rows := make([]boltTag, 0, len(tags))
	for _, tag := range tags {
		rows = append(rows, boltTag{Name: tag.Name, Value: tag.Value, Plaintext: tag.Plaintext})
	}
	raw, err := codec.Encode(rows)
	if err != nil {
		return err
	}
	if err := tx.Bucket(tagsBucket).Put(itob(id), raw); err != nil {
		return fmt.Errorf("failed to store tags: %w", err)
	}
	return nil
}

func getItem(tx *bbolt.Tx, id int64) (*ItemWithTags, error) {
	raw := tx.Bucket(itemsBucket).Get(itob(id))
	if raw == nil {
		return nil, ErrNotFound
	}
	var row boltItem
	if err := codec.Decode(raw, &row); err != nil {
		return nil, err
	}
	found := &ItemWithTags{
		Item: Item{ID: id, Type: row.Type, Name: row.Name, Value: row.Value, Key: row.Key},
	}

	if rawTags := tx.Bucket(tagsBucket).Get(itob(id)); rawTags != nil {
		var tags []boltTag
		if err := codec.Decode(rawTags, &tags); err != nil {
			return nil, err
		}
		for _, tag := range tags {
			found.Tags = append(found.Tags, Tag{ItemID: id, Name: tag.Name, Value: tag.Value, Plaintext: tag.Plaintext})
		}
	}
	return found, nil
}

// UpdateItemValue replaces the sealed value and wrapped key of an item
func (s *BoltStore) UpdateItemValue(ctx context.Context, id int64, value, key []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		items := tx.Bucket(itemsBucket)
		raw := items.Get(itob(id))
		if raw == nil {
			return ErrNotFound
		}
		var row boltItem
		if err := codec.Decode(raw, &row); err != nil {
			return err
		}
		row.Value, row.Key = value, key
		updated, err := codec.Encode(row)
		if err != nil {
			return err
		}
		return items.Put(itob(id), updated)
	})
}

// ReplaceTags swaps the complete tag set of an item
func (s *BoltStore) ReplaceTags(ctx context.Context, id int64, tags []Tag) error {
	return s.UpdateTags(ctx, id, func([]Tag) ([]Tag, error) { return tags, nil })
}

// UpdateTags rewrites an item's tag set from its current one inside a single
// write transaction
func (s *BoltStore) UpdateTags(ctx context.Context, id int64, fn TagUpdateFunc) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		found, err := getItem(tx, id)
		if err != nil {
			return err
		}
		tags, err := fn(found.Tags)
		if err != nil {
			return err
		}
		return putTags(tx, id, tags)
	})
}

// DeleteItem removes an item, its index entry and its tags
func (s *BoltStore) DeleteItem(ctx context.Context, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		found, err := getItem(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(indexBucket).Delete(indexKey(found.Item.Type, found.Item.Name)); err != nil {
			return err
		}
		if err := tx.Bucket(tagsBucket).Delete(itob(id)); err != nil {
			return err
		}
		return tx.Bucket(itemsBucket).Delete(itob(id))
	})
}

// FindItem looks up the unique item with the given encrypted type and name
func (s *BoltStore) FindItem(ctx context.Context, typ, name []byte) (*ItemWithTags, error) {
	var found *ItemWithTags
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(indexBucket).Get(indexKey(typ, name))
		if id == nil {
			return ErrNotFound
		}
		var err error
		found, err = getItem(tx, btoi(id))
		return err
	})
	return found, err
}

// FindItemsByType returns every item with the given encrypted type
func (s *BoltStore) FindItemsByType(ctx context.Context, typ []byte) ([]ItemWithTags, error) {
	var items []ItemWithTags
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := typePrefix(typ)
		c := tx.Bucket(indexBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			found, err := getItem(tx, btoi(v))
			if err != nil {
				return err
			}
			items = append(items, *found)
		}
		return nil
	})
	return items, err
}

// AllItems returns every item in the store, ordered by id
func (s *BoltStore) AllItems(ctx context.Context) ([]ItemWithTags, error) {
	var items []ItemWithTags
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(itemsBucket).ForEach(func(k, _ []byte) error {
			found, err := getItem(tx, btoi(k))
			if err != nil {
				return err
			}
			items = append(items, *found)
			return nil
		})
	})
	return items, err
}

// CountItems returns the number of items
func (s *BoltStore) CountItems(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = int64(tx.Bucket(itemsBucket).Stats().KeyN)
		return nil
	})
	return n, err
}
