package record

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// PlaintextPrefix marks a tag whose value is stored unencrypted in the map
// form of a tag set
const PlaintextPrefix = "~"

// ErrInvalidTagName is returned for a searchable tag whose name carries the
// plaintext prefix. Its wire form would read back as a plaintext tag.
var ErrInvalidTagName = errors.New("searchable tag name must not start with " + PlaintextPrefix)

// Tag is one name/value pair attached to a record. Names are always
// encrypted; values are encrypted unless Plaintext is set.
type Tag struct {
	Name      string
	Value     string
	Plaintext bool
}

// Searchable returns a tag whose value is encrypted
func Searchable(name, value string) Tag {
	return Tag{Name: name, Value: value}
}

// Unencrypted returns a tag whose value is stored in plaintext
func Unencrypted(name, value string) Tag {
	return Tag{Name: name, Value: value, Plaintext: true}
}

// ParseTag interprets a wire name, stripping the plaintext prefix
func ParseTag(wireName, value string) Tag {
	if strings.HasPrefix(wireName, PlaintextPrefix) {
		return Unencrypted(strings.TrimPrefix(wireName, PlaintextPrefix), value)
	}
	return Searchable(wireName, value)
}

// Validate rejects tags that would not survive the wire form unchanged
func (t Tag) Validate() error {
	if !t.Plaintext && strings.HasPrefix(t.Name, PlaintextPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidTagName, t.Name)
	}
	return nil
}

// WireName is the tag name as it appears in tag maps and backups
func (t Tag) WireName() string {
	if t.Plaintext {
		return PlaintextPrefix + t.Name
	}
	return t.Name
}

// TagsFromMap converts a wire-form tag map into sorted tags
func TagsFromMap(m map[string]string) []Tag {
	if len(m) == 0 {
		return nil
	}
	tags := make([]Tag, 0, len(m))
	for name, value := range m {
		tags = append(tags, ParseTag(name, value))
	}
	SortTags(tags)
	return tags
}

// TagMap converts tags into their wire-form map. A later tag with the same
// wire name wins.
func TagMap(tags []Tag) map[string]string {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.WireName()] = t.Value
	}
	return m
}

// SortTags orders tags by wire name
func SortTags(tags []Tag) {
	sort.Slice(tags, func(i, j int) bool {
		return tags[i].WireName() < tags[j].WireName()
	})
}

// UniqueTags keeps the last tag for every wire name, sorted by wire name
func UniqueTags(tags []Tag) []Tag {
	if len(tags) == 0 {
		return nil
	}
	last := make(map[string]Tag, len(tags))
	for _, t := range tags {
		last[t.WireName()] = t
	}
	out := make([]Tag, 0, len(last))
	for _, t := range last {
		out = append(out, t)
	}
	SortTags(out)
	return out
}
