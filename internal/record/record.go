// Package record holds the document model that flows from a source, through
// the transform pipeline, into a sink.
package record

import (
	"encoding/json"
	"sort"
)

// Record is one document: identity fields, the free-form payload and any
// extra metadata that must survive a copy.
type Record struct {
	Index   string
	Type    string
	ID      string
	Routing string
	Version *int64
	// Source is the document body (_source).
	Source map[string]interface{}
	// Meta carries additional underscore-prefixed metadata, e.g. _parent or
	// _version_type, keyed without the leading underscore.
	Meta map[string]interface{}
	// Sort is the hit's sort key, used as the search-after marker.
	Sort []interface{}
}

// Batch is an ordered page of records and the offset it was read at.
type Batch struct {
	Records []Record
	Offset  int
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Records) }

// Empty reports whether the batch is the end-of-stream signal.
func (b Batch) Empty() bool { return len(b.Records) == 0 }

// WriteOutcome is what a sink reports for one batch.
type WriteOutcome struct {
	// Writes counts records the sink accepted.
	Writes int
	// Suppressed counts per-item failures ignored by configuration.
	Suppressed int
	// Errors holds the suppressed per-item errors, for reporting only.
	Errors []error
}

// wireRecord is the serialized shape shared by file formats and the search
// backend's hit objects.
type wireRecord struct {
	Index   string                 `json:"_index,omitempty"`
	Type    string                 `json:"_type,omitempty"`
	ID      string                 `json:"_id,omitempty"`
	Routing string                 `json:"_routing,omitempty"`
	Version *int64                 `json:"_version,omitempty"`
	Source  map[string]interface{} `json:"_source"`
	Sort    []interface{}          `json:"sort,omitempty"`
}

// MarshalJSON encodes the record in hit form: {_index, _id, ..., _source}.
// Meta entries are emitted as top-level underscore-prefixed keys.
func (r Record) MarshalJSON() ([]byte, error) {
	src := r.Source
	if src == nil {
		src = map[string]interface{}{}
	}
	base, err := json.Marshal(wireRecord{
		Index: r.Index, Type: r.Type, ID: r.ID, Routing: r.Routing,
		Version: r.Version, Source: src, Sort: r.Sort,
	})
	if err != nil || len(r.Meta) == 0 {
		return base, err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Meta {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged["_"+k] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes a hit-shaped object. Unknown underscore-prefixed keys
// land in Meta. An object without _source is treated as a bare document.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if _, ok := raw["_source"]; !ok {
		var doc map[string]interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		*r = Record{Source: doc}
		return nil
	}
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Record{
		Index: w.Index, Type: w.Type, ID: w.ID, Routing: w.Routing,
		Version: w.Version, Source: w.Source, Sort: w.Sort,
	}
	for k, v := range raw {
		if len(k) < 2 || k[0] != '_' || knownField(k) {
			continue
		}
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if r.Meta == nil {
			r.Meta = map[string]interface{}{}
		}
		r.Meta[k[1:]] = val
	}
	if r.Source == nil {
		r.Source = map[string]interface{}{}
	}
	return nil
}

func knownField(k string) bool {
	switch k {
	case "_index", "_type", "_id", "_routing", "_version", "_source", "_score":
		return true
	}
	return false
}

// Clone returns a copy whose Source and Meta maps can be mutated without
// affecting r. Nested values are shared.
func (r Record) Clone() Record {
	c := r
	if r.Source != nil {
		c.Source = make(map[string]interface{}, len(r.Source))
		for k, v := range r.Source {
			c.Source[k] = v
		}
	}
	if r.Meta != nil {
		c.Meta = make(map[string]interface{}, len(r.Meta))
		for k, v := range r.Meta {
			c.Meta[k] = v
		}
	}
	return c
}

// SortedKeys returns the payload's field names in lexical order, the column
// order used by tabular formats.
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
