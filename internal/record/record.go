// Package record maps application-level wallet records to encrypted storage
// rows and to the plaintext wire form carried inside backups.
package record

// WalletRecord is the decrypted view of one stored item
type WalletRecord struct {
	Type  string
	Name  string
	Value string
	Tags  []Tag
}

// New builds a record with its tags sorted by wire name. A repeated wire
// name keeps the last value.
func New(typ, name, value string, tags ...Tag) WalletRecord {
	return WalletRecord{Type: typ, Name: name, Value: value, Tags: UniqueTags(tags)}
}

// TagMap returns the record's tags in wire form
func (r WalletRecord) TagMap() map[string]string {
	return TagMap(r.Tags)
}

// Equal compares type, name, value and the tag set
func (r WalletRecord) Equal(o WalletRecord) bool {
	if r.Type != o.Type || r.Name != o.Name || r.Value != o.Value {
		return false
	}
	a, b := r.TagMap(), o.TagMap()
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
