package transform

import (
	"github.com/Knetic/govaluate"
	"github.com/cockroachdb/errors"

	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/runerr"
)

// expressionEvaluator is the part of govaluate the filter needs.
type expressionEvaluator interface {
	Evaluate(parameters map[string]interface{}) (interface{}, error)
}

// Filter keeps records for which a boolean expression holds.
type Filter struct {
	expr string
	eval expressionEvaluator
}

// NewFilter compiles expr. An empty expression yields a nil filter that keeps
// everything.
func NewFilter(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}
	ev, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, runerr.Validation(errors.Wrapf(err, "invalid filter expression %q", expr), "")
	}
	return &Filter{expr: expr, eval: ev}, nil
}

// Apply returns the records that pass, reusing the input's backing array, and
// how many were dropped. Records whose evaluation fails or is not boolean are
// dropped and logged.
func (f *Filter) Apply(records []record.Record) ([]record.Record, int) {
	if f == nil {
		return records, 0
	}
	kept := records[:0]
	for i := range records {
		result, err := f.eval.Evaluate(Parameters(&records[i]))
		if err != nil {
			logging.Logf(logging.Error, "Filter failed for record %q: %v. Skipping.", records[i].ID, err)
			continue
		}
		keep, ok := result.(bool)
		if !ok {
			logging.Logf(logging.Error, "Filter returned non-bool %T for record %q. Skipping.", result, records[i].ID)
			continue
		}
		if keep {
			kept = append(kept, records[i])
		} else {
			logging.Logf(logging.Debug, "Record %q skipped by filter.", records[i].ID)
		}
	}
	return kept, len(records) - len(kept)
}
