package bulk

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpump/internal/record"
	"docpump/internal/runerr"
)

func lines(t *testing.T, body []byte) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, l := range bytes.Split(bytes.TrimRight(body, "\n"), []byte("\n")) {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(l, &m), "line %q", l)
		out = append(out, m)
	}
	return out
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"", ActionIndex, false},
		{"index", ActionIndex, false},
		{"Create", ActionCreate, false},
		{" update ", ActionUpdate, false},
		{"delete", ActionDelete, false},
		{"upsert", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAction(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeIndex(t *testing.T) {
	v := int64(4)
	recs := []record.Record{
		{Index: "src", Type: "_doc", ID: "1", Routing: "r", Version: &v, Source: map[string]interface{}{"a": "<b>"}},
		{Index: "src", ID: "2", Meta: map[string]interface{}{"parent": "p1"}, Source: map[string]interface{}{"a": 2}},
	}
	body, err := Encoder{Action: ActionIndex, Index: "dst"}.Encode(recs)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<b>", "html must not be escaped")

	got := lines(t, body)
	require.Len(t, got, 4)
	assert.Equal(t, map[string]interface{}{"index": map[string]interface{}{
		"_index": "dst", "_type": "_doc", "_id": "1", "routing": "r",
		"version": float64(4), "version_type": "external",
	}}, got[0])
	assert.Equal(t, map[string]interface{}{"a": "<b>"}, got[1])
	assert.Equal(t, map[string]interface{}{"index": map[string]interface{}{
		"_index": "dst", "_id": "2", "parent": "p1",
	}}, got[2])
}

func TestEncodeUpdateWrapsDoc(t *testing.T) {
	body, err := Encoder{Action: ActionUpdate}.Encode([]record.Record{
		{Index: "i", ID: "1", Source: map[string]interface{}{"x": 1}},
	})
	require.NoError(t, err)
	got := lines(t, body)
	require.Len(t, got, 2)
	assert.Contains(t, got[0], "update")
	assert.Equal(t, map[string]interface{}{"doc": map[string]interface{}{"x": float64(1)}}, got[1])
}

func TestEncodeDeleteHasNoPayload(t *testing.T) {
	body, err := Encoder{Action: ActionDelete}.Encode([]record.Record{
		{Index: "i", ID: "1"}, {Index: "i", ID: "2"},
	})
	require.NoError(t, err)
	got := lines(t, body)
	require.Len(t, got, 2)
	for _, l := range got {
		assert.Contains(t, l, "delete")
	}
}

func TestEncodeMissingIndex(t *testing.T) {
	_, err := Encoder{}.Encode([]record.Record{{ID: "1"}})
	require.Error(t, err)
	assert.Equal(t, runerr.KindParse, runerr.KindOf(err))
	assert.Equal(t, runerr.KindWrite, runerr.Effective(err))
}

func TestDecode(t *testing.T) {
	mixed := `{"errors":true,"items":[
		{"index":{"_index":"i","_id":"1","status":201}},
		{"index":{"_index":"i","_id":"2","status":409,"error":{"type":"version_conflict_engine_exception","reason":"conflict"}}},
		{"index":{"_index":"i","_id":"3","status":200}}]}`

	tests := []struct {
		name           string
		body           string
		n              int
		ignore         bool
		wantWrites     int
		wantSuppressed int
		wantErr        bool
	}{
		{"blanket success", `{"took":3,"errors":false,"items":[]}`, 5, false, 5, 0, false},
		{"mixed, ignored", mixed, 3, true, 2, 1, false},
		{"mixed, fatal", mixed, 3, false, 1, 0, true},
		{"all success flagged", `{"errors":true,"items":[{"create":{"status":201}}]}`, 1, false, 1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Decode([]byte(tt.body), tt.n, Policy{IgnoreErrors: tt.ignore})
			assert.Equal(t, tt.wantWrites, out.Writes)
			assert.Equal(t, tt.wantSuppressed, out.Suppressed)
			assert.LessOrEqual(t, out.Writes, tt.n)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, runerr.KindWrite, runerr.KindOf(err))
				var itemErr *ItemError
				require.True(t, errors.As(err, &itemErr))
				assert.Equal(t, "2", itemErr.ID)
				assert.Equal(t, 409, itemErr.Status)
				assert.Equal(t, "version_conflict_engine_exception: conflict", itemErr.Reason)
				return
			}
			require.NoError(t, err)
			assert.Len(t, out.Errors, tt.wantSuppressed)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("<html>bad gateway</html>"), 2, Policy{})
	require.Error(t, err)
	assert.Equal(t, runerr.KindWrite, runerr.Effective(err))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "unknown error", reason(nil))
	assert.Equal(t, "boom", reason(json.RawMessage(`"boom"`)))
	assert.Equal(t, "only reason", reason(json.RawMessage(`{"reason":"only reason"}`)))
	assert.Equal(t, "[1]", reason(json.RawMessage(`[1]`)))
}
