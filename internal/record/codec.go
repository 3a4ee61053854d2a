package record

import (
	"fmt"

	"github.com/vaultctl/walletctl/internal/crypto"
	"github.com/vaultctl/walletctl/internal/storage"
)

// Encode encrypts rec into a storage item and its tag rows. Type, name and
// tags use searchable encryption; the value goes through the envelope scheme.
func Encode(e *crypto.Engine, ring *crypto.KeyRing, rec WalletRecord) (storage.Item, []storage.Tag, error) {
	encType, encName, err := EncryptedKey(e, ring, rec.Type, rec.Name)
	if err != nil {
		return storage.Item{}, nil, err
	}
	value, key, err := e.SealValue([]byte(rec.Value), ring.ValueKey())
	if err != nil {
		return storage.Item{}, nil, fmt.Errorf("failed to encrypt record value: %w", err)
	}
	tags, err := EncodeTags(e, ring, rec.Tags)
	if err != nil {
		return storage.Item{}, nil, err
	}
	return storage.Item{Type: encType, Name: encName, Value: value, Key: key}, tags, nil
}

// EncodeTags encrypts a tag set. Plaintext tags keep their value in the clear
// but their name is still searchably encrypted. Tags repeating a wire name
// collapse to the last one.
func EncodeTags(e *crypto.Engine, ring *crypto.KeyRing, tags []Tag) ([]storage.Tag, error) {
	tags = UniqueTags(tags)
	rows := make([]storage.Tag, 0, len(tags))
	for _, t := range tags {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		name, err := e.EncryptSearchable([]byte(t.Name), ring.TagNameKey(), ring.TagsHMACKey())
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt tag name: %w", err)
		}
		row := storage.Tag{Name: name, Plaintext: t.Plaintext}
		if t.Plaintext {
			row.Value = []byte(t.Value)
		} else {
			row.Value, err = e.EncryptSearchable([]byte(t.Value), ring.TagValueKey(), ring.TagsHMACKey())
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt tag value: %w", err)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// EncryptedType returns the searchable ciphertext of a record type, used for
// type queries
func EncryptedType(e *crypto.Engine, ring *crypto.KeyRing, typ string) ([]byte, error) {
	encType, err := e.EncryptSearchable([]byte(typ), ring.TypeKey(), ring.ItemHMACKey())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt record type: %w", err)
	}
	return encType, nil
}

// EncryptedKey returns the searchable ciphertexts used to look up a record.
// The empty string is a valid name and encrypts like any other.
func EncryptedKey(e *crypto.Engine, ring *crypto.KeyRing, typ, name string) (encType, encName []byte, err error) {
	encType, err = EncryptedType(e, ring, typ)
	if err != nil {
		return nil, nil, err
	}
	encName, err = e.EncryptSearchable([]byte(name), ring.NameKey(), ring.ItemHMACKey())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt record name: %w", err)
	}
	return encType, encName, nil
}

// Decode decrypts an item and its tag rows. Any authentication failure is
// reported as crypto.ErrDecryptionFailed.
func Decode(e *crypto.Engine, ring *crypto.KeyRing, item storage.Item, tags []storage.Tag) (WalletRecord, error) {
	typ, err := e.DecryptMerged(item.Type, ring.TypeKey())
	if err != nil {
		return WalletRecord{}, fmt.Errorf("record type: %w", err)
	}
	name, err := e.DecryptMerged(item.Name, ring.NameKey())
	if err != nil {
		return WalletRecord{}, fmt.Errorf("record name: %w", err)
	}
	value, err := e.OpenValue(item.Value, item.Key, ring.ValueKey())
	if err != nil {
		return WalletRecord{}, fmt.Errorf("record value: %w", err)
	}
	decoded, err := DecodeTags(e, ring, tags)
	if err != nil {
		return WalletRecord{}, err
	}
	return New(string(typ), string(name), string(value), decoded...), nil
}

// DecodeTags decrypts tag rows
func DecodeTags(e *crypto.Engine, ring *crypto.KeyRing, rows []storage.Tag) ([]Tag, error) {
	tags := make([]Tag, 0, len(rows))
	for _, row := range rows {
		name, err := e.DecryptMerged(row.Name, ring.TagNameKey())
		if err != nil {
			return nil, fmt.Errorf("tag name: %w", err)
		}
		if row.Plaintext {
			tags = append(tags, Unencrypted(string(name), string(row.Value)))
			continue
		}
		value, err := e.DecryptMerged(row.Value, ring.TagValueKey())
		if err != nil {
			return nil, fmt.Errorf("tag value: %w", err)
		}
		tags = append(tags, Searchable(string(name), string(value)))
	}
	return tags, nil
}
