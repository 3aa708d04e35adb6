// Package bulk encodes batches into newline-delimited bulk requests and
// reconciles the per-item outcome of the response.
package bulk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"docpump/internal/record"
	"docpump/internal/runerr"
)

// Action is the bulk operation applied to every record of a batch.
type Action string

const (
	ActionIndex  Action = "index"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ContentType is the media type of an encoded bulk body.
const ContentType = "application/x-ndjson"

// ErrorStatus is the lowest item status counted as a failure.
const ErrorStatus = 400

// ParseAction validates a configured action name. Empty means index.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return ActionIndex, nil
	case ActionIndex, ActionCreate, ActionUpdate, ActionDelete:
		return a, nil
	default:
		return "", errors.Newf("unsupported bulk action %q (must be index, create, update or delete)", s)
	}
}

// Encoder builds bulk bodies for one destination.
type Encoder struct {
	Action Action
	// Index, when set, replaces each record's own index.
	Index string
	// Type, when set, replaces each record's own type.
	Type string
}

// Encode returns the NDJSON body for records: one action line per record,
// followed by a payload line for every action but delete.
func (e Encoder) Encode(records []record.Record) ([]byte, error) {
	action := e.Action
	if action == "" {
		action = ActionIndex
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range records {
		r := &records[i]
		meta := e.metadata(r, action)
		if meta["_index"] == "" {
			return nil, runerr.Parse(errors.Newf("record %d (id %q) has no destination index", i, r.ID), "bulk encode", runerr.KindWrite)
		}
		if err := enc.Encode(map[string]interface{}{string(action): meta}); err != nil {
			return nil, runerr.Parse(errors.Wrapf(err, "encode action line for %q", r.ID), "bulk encode", runerr.KindWrite)
		}
		if action == ActionDelete {
			continue
		}
		var payload interface{} = sourceOf(r)
		if action == ActionUpdate {
			payload = map[string]interface{}{"doc": sourceOf(r)}
		}
		if err := enc.Encode(payload); err != nil {
			return nil, runerr.Parse(errors.Wrapf(err, "encode payload for %q", r.ID), "bulk encode", runerr.KindWrite)
		}
	}
	return buf.Bytes(), nil
}

func (e Encoder) metadata(r *record.Record, action Action) map[string]interface{} {
	meta := map[string]interface{}{}
	for k, v := range r.Meta {
		meta[k] = v
	}
	index := r.Index
	if e.Index != "" {
		index = e.Index
	}
	meta["_index"] = index
	typ := r.Type
	if e.Type != "" {
		typ = e.Type
	}
	if typ != "" {
		meta["_type"] = typ
	}
	if r.ID != "" {
		meta["_id"] = r.ID
	}
	if r.Routing != "" {
		meta["routing"] = r.Routing
	}
	if r.Version != nil && action != ActionUpdate {
		meta["version"] = *r.Version
		if _, ok := meta["version_type"]; !ok {
			meta["version_type"] = "external"
		}
	}
	return meta
}

func sourceOf(r *record.Record) map[string]interface{} {
	if r.Source == nil {
		return map[string]interface{}{}
	}
	return r.Source
}

// Policy decides what happens to failed items.
type Policy struct {
	IgnoreErrors bool
}

// ItemError is one rejected bulk item.
type ItemError struct {
	Index  string
	ID     string
	Status int
	Reason string
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("bulk item %s/%s failed with status %d: %s", e.Index, e.ID, e.Status, e.Reason)
}

type response struct {
	Errors bool                      `json:"errors"`
	Items  []map[string]responseItem `json:"items"`
}

type responseItem struct {
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Status int             `json:"status"`
	Error  json.RawMessage `json:"error"`
}

// Decode reconciles a bulk response for a batch of n records. A response that
// reports no errors counts all n as written. Otherwise failing items are
// either suppressed or end the batch with the first one.
func Decode(body []byte, n int, p Policy) (record.WriteOutcome, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return record.WriteOutcome{}, runerr.Parse(errors.Wrap(err, "decode bulk response"), "bulk decode", runerr.KindWrite)
	}
	if !resp.Errors {
		return record.WriteOutcome{Writes: n}, nil
	}

	var out record.WriteOutcome
	for _, entry := range resp.Items {
		for _, item := range entry {
			if item.Status < ErrorStatus {
				out.Writes++
				continue
			}
			itemErr := &ItemError{Index: item.Index, ID: item.ID, Status: item.Status, Reason: reason(item.Error)}
			if !p.IgnoreErrors {
				return out, runerr.Write(itemErr, "bulk")
			}
			out.Suppressed++
			out.Errors = append(out.Errors, itemErr)
		}
	}
	if out.Writes > n {
		out.Writes = n
	}
	return out, nil
}

func reason(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown error"
	}
	var detail struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &detail); err == nil && (detail.Type != "" || detail.Reason != "") {
		if detail.Type == "" {
			return detail.Reason
		}
		return detail.Type + ": " + detail.Reason
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
