package record

import (
	"github.com/vaultctl/walletctl/internal/codec"
)

// wireRecord is the backup form: a fixed four element msgpack array
type wireRecord struct {
	_struct struct{} `codec:",toarray"`

	Type  string
	Name  string
	Value string
	Tags  map[string]string
}

// MarshalBinary encodes the record as [type, name, value, tagMap]
func (r WalletRecord) MarshalBinary() ([]byte, error) {
	return codec.Encode(&wireRecord{
		Type:  r.Type,
		Name:  r.Name,
		Value: r.Value,
		Tags:  r.TagMap(),
	})
}

// UnmarshalRecord decodes the wire form produced by MarshalBinary
func UnmarshalRecord(b []byte) (WalletRecord, error) {
	var w wireRecord
	if err := codec.Decode(b, &w); err != nil {
		return WalletRecord{}, err
	}
	return New(w.Type, w.Name, w.Value, TagsFromMap(w.Tags)...), nil
}
