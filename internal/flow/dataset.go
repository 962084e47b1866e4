package flow

import (
	"path/filepath"
	"strings"
)

// Dataset is a prepared data directory: an index plus one group file per
// index key.
type Dataset struct {
	Root  string
	Index Index
	Codec *Codec
}

// OpenDataset loads the index found under root.
func OpenDataset(root, indexFile, splitKey, labelKey string) (*Dataset, error) {
	codec, err := NewCodec(labelKey)
	if err != nil {
		return nil, err
	}
	idx, err := LoadIndex(filepath.Join(root, indexFile), splitKey)
	if err != nil {
		return nil, err
	}
	return &Dataset{Root: root, Index: idx, Codec: codec}, nil
}

// GroupPath returns the file holding the group stored under key.
func (d *Dataset) GroupPath(key string) string {
	if !strings.HasSuffix(key, ".json") {
		key += ".json"
	}
	return filepath.Join(d.Root, key)
}

// Load reads the records of one group.
func (d *Dataset) Load(key string) (Records, error) {
	return d.Codec.LoadGroup(d.GroupPath(key))
}
