package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const sqliteOptions = "_secure_delete=on&_txlock=exclusive&_foreign_keys=on&_busy_timeout=5000"

var sqliteSchema = `
CREATE TABLE IF NOT EXISTS metadata (
	id INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
	wallet_id TEXT NOT NULL,
	method INTEGER NOT NULL,
	keys BLOB NOT NULL,
	master_key_salt BLOB
);

CREATE TABLE IF NOT EXISTS items (
	id INTEGER NOT NULL PRIMARY KEY,
	type BLOB NOT NULL,
	name BLOB NOT NULL,
	value BLOB NOT NULL,
	key BLOB NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_items_type_name ON items (type, name);

CREATE TABLE IF NOT EXISTS tags_encrypted (
	name BLOB NOT NULL,
	value BLOB NOT NULL,
	item_id INTEGER NOT NULL,
	FOREIGN KEY (item_id) REFERENCES items (id) ON DELETE CASCADE ON UPDATE CASCADE,
	PRIMARY KEY (name, item_id)
);

CREATE INDEX IF NOT EXISTS idx_tags_encrypted_name ON tags_encrypted (name);
CREATE INDEX IF NOT EXISTS idx_tags_encrypted_value ON tags_encrypted (value);
CREATE INDEX IF NOT EXISTS idx_tags_encrypted_item_id ON tags_encrypted (item_id);

CREATE TABLE IF NOT EXISTS tags_plaintext (
	name BLOB NOT NULL,
	value BLOB NOT NULL,
	item_id INTEGER NOT NULL,
	FOREIGN KEY (item_id) REFERENCES items (id) ON DELETE CASCADE ON UPDATE CASCADE,
	PRIMARY KEY (name, item_id)
);

CREATE INDEX IF NOT EXISTS idx_tags_plaintext_name ON tags_plaintext (name);
CREATE INDEX IF NOT EXISTS idx_tags_plaintext_value ON tags_plaintext (value);
CREATE INDEX IF NOT EXISTS idx_tags_plaintext_item_id ON tags_plaintext (item_id);
`

// SQLiteStore keeps a wallet in a single sqlite 3 database file
type SQLiteStore struct {
	db *sqlx.DB
}

type itemRow struct {
	ID    int64  `db:"id"`
	Type  []byte `db:"type"`
	Name  []byte `db:"name"`
	Value []byte `db:"value"`
	Key   []byte `db:"key"`
}

type tagRow struct {
	ItemID int64  `db:"item_id"`
	Name   []byte `db:"name"`
	Value  []byte `db:"value"`
}

type metadataRow struct {
	WalletID      string `db:"wallet_id"`
	Method        uint8  `db:"method"`
	Keys          []byte `db:"keys"`
	MasterKeySalt []byte `db:"master_key_salt"`
}

// dbConnectionURL builds a sqlite connection URL with feature flags included
func dbConnectionURL(path string) string {
	return fmt.Sprintf("file:%s?%s", path, sqliteOptions)
}

// NewSQLiteStore opens or creates the database at path and applies the schema
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create wallet directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", dbConnectionURL(path))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to wallet database: %w", err)
	}
	// One connection serializes writers; every call runs in its own tx.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply wallet schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY clash.
// Other constraint failures such as NOT NULL are real errors.
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// withTx runs fn in a transaction, committing on success
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadMetadata reads the metadata slot
func (s *SQLiteStore) LoadMetadata(ctx context.Context) (*Metadata, error) {
	var row metadataRow
	err := s.db.GetContext(ctx, &row, "SELECT wallet_id, method, keys, master_key_salt FROM metadata WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoMetadata
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return &Metadata{
		WalletID:         row.WalletID,
		Method:           row.Method,
		EncryptedKeyRing: row.Keys,
		MasterKeySalt:    row.MasterKeySalt,
	}, nil
}

// SaveMetadata writes the metadata slot once
func (s *SQLiteStore) SaveMetadata(ctx context.Context, md *Metadata) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metadata (id, wallet_id, method, keys, master_key_salt) VALUES (1, ?, ?, ?, ?)",
		md.WalletID, md.Method, md.EncryptedKeyRing, md.MasterKeySalt)
	if isUniqueViolation(err) {
		return ErrMetadataExists
	}
	if err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

// ReplaceMetadata overwrites the metadata slot
func (s *SQLiteStore) ReplaceMetadata(ctx context.Context, md *Metadata) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE metadata SET wallet_id = ?, method = ?, keys = ?, master_key_salt = ? WHERE id = 1",
		md.WalletID, md.Method, md.EncryptedKeyRing, md.MasterKeySalt)
	if err != nil {
		return fmt.Errorf("failed to replace metadata: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoMetadata
	}
	return nil
}

// InsertItem stores item and its tags, returning the assigned id
func (s *SQLiteStore) InsertItem(ctx context.Context, item *Item, tags []Tag) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO items (type, name, value, key) VALUES (?, ?, ?, ?)",
			item.Type, item.Name, item.Value, item.Key)
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("failed to insert item: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read item id: %w", err)
		}
		return insertTags(ctx, tx, id, tags)
	})
	if err != nil {
		return 0, err
	}
	item.ID = id
	return id, nil
}

func insertTags(ctx context.Context, tx *sqlx.Tx, id int64, tags []Tag) error {
	for _, tag := range tags {
		table := "tags_encrypted"
		if tag.Plaintext {
			table = "tags_plaintext"
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO "+table+" (item_id, name, value) VALUES (?, ?, ?)",
			id, tag.Name, tag.Value)
		if err != nil {
			return fmt.Errorf("failed to insert tag: %w", err)
		}
	}
	return nil
}

// UpdateItemValue replaces the sealed value and wrapped key of an item
func (s *SQLiteStore) UpdateItemValue(ctx context.Context, id int64, value, key []byte) error {
	res, err := s.db.ExecContext(ctx, "UPDATE items SET value = ?, key = ? WHERE id = ?", value, key, id)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceTags swaps the complete tag set of an item
func (s *SQLiteStore) ReplaceTags(ctx context.Context, id int64, tags []Tag) error {
	return s.UpdateTags(ctx, id, func([]Tag) ([]Tag, error) { return tags, nil })
}

// UpdateTags rewrites an item's tag set from its current one inside a single
// exclusive transaction
func (s *SQLiteStore) UpdateTags(ctx context.Context, id int64, fn TagUpdateFunc) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var n int64
		if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM items WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to look up item: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		current, err := joinTags(ctx, tx, []itemRow{{ID: id}}, "WHERE t.item_id = ?", id)
		if err != nil {
			return err
		}
		tags, err := fn(current[0].Tags)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM tags_encrypted WHERE item_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM tags_plaintext WHERE item_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete tags: %w", err)
		}
		return insertTags(ctx, tx, id, tags)
	})
}

// DeleteItem removes an item and all of its tags
func (s *SQLiteStore) DeleteItem(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM tags_encrypted WHERE item_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM tags_plaintext WHERE item_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete tags: %w", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// FindItem looks up the unique item with the given encrypted type and name
func (s *SQLiteStore) FindItem(ctx context.Context, typ, name []byte) (*ItemWithTags, error) {
	var found *ItemWithTags
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var row itemRow
		err := tx.GetContext(ctx, &row, "SELECT id, type, name, value, key FROM items WHERE type = ? AND name = ?", typ, name)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to find item: %w", err)
		}
		items, err := joinTags(ctx, tx, []itemRow{row}, "WHERE t.item_id = ?", row.ID)
		if err != nil {
			return err
		}
		found = &items[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// FindItemsByType returns every item with the given encrypted type
func (s *SQLiteStore) FindItemsByType(ctx context.Context, typ []byte) ([]ItemWithTags, error) {
	var items []ItemWithTags
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var rows []itemRow
		if err := tx.SelectContext(ctx, &rows, "SELECT id, type, name, value, key FROM items WHERE type = ? ORDER BY id", typ); err != nil {
			return fmt.Errorf("failed to query items: %w", err)
		}
		var err error
		items, err = joinTags(ctx, tx, rows, "JOIN items i ON i.id = t.item_id WHERE i.type = ?", typ)
		return err
	})
	return items, err
}

// AllItems returns every item in the store
func (s *SQLiteStore) AllItems(ctx context.Context) ([]ItemWithTags, error) {
	var items []ItemWithTags
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var rows []itemRow
		if err := tx.SelectContext(ctx, &rows, "SELECT id, type, name, value, key FROM items ORDER BY id"); err != nil {
			return fmt.Errorf("failed to query items: %w", err)
		}
		var err error
		items, err = joinTags(ctx, tx, rows, "")
		return err
	})
	return items, err
}

// joinTags loads the tags selected by filter and attaches them to rows
func joinTags(ctx context.Context, tx *sqlx.Tx, rows []itemRow, filter string, args ...interface{}) ([]ItemWithTags, error) {
	items := make([]ItemWithTags, len(rows))
	index := make(map[int64]int, len(rows))
	for i, row := range rows {
		items[i].Item = Item{ID: row.ID, Type: row.Type, Name: row.Name, Value: row.Value, Key: row.Key}
		index[row.ID] = i
	}
	if len(rows) == 0 {
		return items, nil
	}

	for _, table := range []string{"tags_encrypted", "tags_plaintext"} {
		var tags []tagRow
		query := "SELECT t.item_id, t.name, t.value FROM " + table + " t " + filter + " ORDER BY t.item_id, t.name"
		if err := tx.SelectContext(ctx, &tags, query, args...); err != nil {
			return nil, fmt.Errorf("failed to query tags: %w", err)
		}
		for _, tag := range tags {
			i, ok := index[tag.ItemID]
			if !ok {
				continue
			}
			items[i].Tags = append(items[i].Tags, Tag{
				ItemID:    tag.ItemID,
				Name:      tag.Name,
				Value:     tag.Value,
				Plaintext: table == "tags_plaintext",
			})
		}
	}
	return items, nil
}

// CountItems returns the number of items
func (s *SQLiteStore) CountItems(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM items"); err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}
