package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpump/internal/record"
	"docpump/internal/runerr"
	"docpump/internal/transform"
)

func TestProcessor_NoStages(t *testing.T) {
	p := NewProcessor(nil, nil)
	recs := makeRecords(3)

	kept, dropped, err := p.Process(recs)
	require.NoError(t, err)
	assert.Len(t, kept, 3)
	assert.Zero(t, dropped)
	assert.Zero(t, p.GetFilteredCount())
}

func TestProcessor_TransformThenFilter(t *testing.T) {
	transforms, err := transform.Compile([]transform.Spec{
		{Field: "double", Expr: "n * 2"},
	})
	require.NoError(t, err)
	filter, err := transform.NewFilter("double > 4")
	require.NoError(t, err)

	p := NewProcessor(transforms, filter)
	kept, dropped, err := p.Process(makeRecords(5))
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	require.Len(t, kept, 3)
	assert.Equal(t, "3", kept[0].ID)
	assert.Equal(t, float64(6), kept[0].Source["double"])

	_, _, err = p.Process(makeRecords(1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.GetFilteredCount())
}

func TestProcessor_TransformFailureIsWriteError(t *testing.T) {
	transforms, err := transform.Compile([]transform.Spec{
		{Field: "x", Expr: "missing + 1"},
	})
	require.NoError(t, err)

	p := NewProcessor(transforms, nil)
	kept, _, err := p.Process([]record.Record{{ID: "a", Source: map[string]interface{}{}}})
	require.Error(t, err)
	assert.Nil(t, kept)
	assert.Equal(t, runerr.KindWrite, runerr.KindOf(err))
}

func TestProcessor_EmptyPage(t *testing.T) {
	kept, dropped, err := NewProcessor(nil, nil).Process(nil)
	require.NoError(t, err)
	assert.Empty(t, kept)
	assert.Zero(t, dropped)
}
