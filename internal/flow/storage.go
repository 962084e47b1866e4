package flow

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
)

// wireRecord is the on-disk shape of a record. The label may live under
// either supported key.
type wireRecord struct {
	Record
	Ad    *int `json:"ad,omitempty"`
	Label *int `json:"label,omitempty"`
}

// Codec converts records to and from their JSON capture format.
type Codec struct {
	LabelKey string
}

// NewCodec returns a codec for the given label key.
func NewCodec(labelKey string) (*Codec, error) {
	switch labelKey {
	case LabelKeyAd, LabelKeyLabel:
		return &Codec{LabelKey: labelKey}, nil
	default:
		return nil, fmt.Errorf("unsupported label key: %s", labelKey)
	}
}

// DecodeRecord decodes one JSON record. A missing label is an error.
func (c *Codec) DecodeRecord(id string, data []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	label := w.Ad
	if c.LabelKey == LabelKeyLabel {
		label = w.Label
	}
	if label == nil {
		return nil, fmt.Errorf("record %s: missing %q label", id, c.LabelKey)
	}
	if *label != Negative && *label != Positive {
		return nil, fmt.Errorf("record %s: invalid label %d", id, *label)
	}
	rec := w.Record
	rec.ID = id
	rec.Label = *label
	return &rec, nil
}

// EncodeRecord returns the JSON form of a record with its label under the
// codec's key.
func (c *Codec) EncodeRecord(rec *Record) ([]byte, error) {
	label := rec.Label
	w := wireRecord{Record: *rec}
	if c.LabelKey == LabelKeyLabel {
		w.Label = &label
	} else {
		w.Ad = &label
	}
	return json.Marshal(w)
}

// DecodeGroup decodes a JSON object of id -> record.
func (c *Codec) DecodeGroup(r io.Reader) (Records, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode group: %w", err)
	}

	records := make(Records, len(raw))
	for id, data := range raw {
		rec, err := c.DecodeRecord(id, data)
		if err != nil {
			return nil, err
		}
		records[id] = rec
	}
	return records, nil
}

// EncodeGroup writes records as a JSON object of id -> record.
func (c *Codec) EncodeGroup(w io.Writer, records Records) error {
	out := make(map[string]json.RawMessage, len(records))
	for id, rec := range records {
		data, err := c.EncodeRecord(rec)
		if err != nil {
			return fmt.Errorf("record %s: %w", id, err)
		}
		out[id] = data
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// LoadGroup reads a group file from disk.
func (c *Codec) LoadGroup(path string) (Records, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open group file: %w", err)
	}
	defer f.Close()

	return c.DecodeGroup(f)
}

// DecodeIndex decodes an index whose entries name their split value under
// splitKey (domain or package_name).
func DecodeIndex(r io.Reader, splitKey string) (Index, error) {
	var raw map[string]map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}

	idx := make(Index, len(raw))
	for key, entry := range raw {
		info := GroupInfo{Key: key}
		info.Value, _ = entry[splitKey].(string)
		info.Platform, _ = entry["platform"].(string)

		var err error
		if info.NumSamples, err = intField(entry, "num_samples"); err != nil {
			return nil, fmt.Errorf("index entry %s: %w", key, err)
		}
		if info.NumPositive, err = intField(entry, "num_positive"); err != nil {
			return nil, fmt.Errorf("index entry %s: %w", key, err)
		}
		if info.NumPositive > info.NumSamples {
			return nil, fmt.Errorf("index entry %s: num_positive %d exceeds num_samples %d",
				key, info.NumPositive, info.NumSamples)
		}
		idx[key] = info
	}
	return idx, nil
}

// EncodeIndex writes an index using splitKey as the split value field.
func EncodeIndex(w io.Writer, idx Index, splitKey string) error {
	out := make(map[string]map[string]any, len(idx))
	for key, info := range idx {
		out[key] = map[string]any{
			splitKey:       info.Value,
			"platform":     info.Platform,
			"num_samples":  info.NumSamples,
			"num_positive": info.NumPositive,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// LoadIndex reads an index file from disk.
func LoadIndex(path, splitKey string) (Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	defer f.Close()

	return DecodeIndex(f, splitKey)
}

func intField(entry map[string]any, name string) (int, error) {
	switch v := entry[name].(type) {
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("missing %s", name)
	default:
		return 0, fmt.Errorf("invalid %s type %T", name, v)
	}
}
