// Package transform applies an ordered list of record mutations between read
// and write.
//
// A transform is either an inline expression evaluated with govaluate or a
// named function resolved from the registry by a locator such as
// "rename?from=a&to=b". Arbitrary code is never compiled at runtime; new
// transforms are added with Register.
package transform

import (
	"github.com/Knetic/govaluate"
	"github.com/cockroachdb/errors"

	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/runerr"
)

// Func mutates a record in place.
type Func func(r *record.Record) error

// Spec declares one transform. Exactly one of Locator or Expr is set.
type Spec struct {
	// Locator names a registered transform plus its query-string arguments.
	Locator string `yaml:"use,omitempty"`
	// Field receives the result of Expr.
	Field string `yaml:"field,omitempty"`
	Expr  string `yaml:"expr,omitempty"`
	// DropNil removes Field when Expr evaluates to nil.
	DropNil bool `yaml:"dropNil,omitempty"`
}

type step struct {
	name string
	fn   Func
}

// Pipeline is a compiled, ordered transform list.
type Pipeline struct {
	steps []step
}

// Compile resolves and compiles every spec once for the run. Unknown names and
// bad expressions are validation errors.
func Compile(specs []Spec) (*Pipeline, error) {
	p := &Pipeline{}
	for i, s := range specs {
		st, err := compileSpec(s)
		if err != nil {
			return nil, runerr.Validation(errors.Wrapf(err, "transform %d", i), "check the transforms section of the configuration")
		}
		p.steps = append(p.steps, st)
	}
	logging.Logf(logging.Debug, "Transform pipeline compiled with %d step(s)", len(p.steps))
	return p, nil
}

func compileSpec(s Spec) (step, error) {
	switch {
	case s.Locator != "" && s.Expr != "":
		return step{}, errors.New("set either 'use' or 'expr', not both")
	case s.Expr != "":
		if s.Field == "" {
			return step{}, errors.New("expression transforms require 'field'")
		}
		fn, err := compileExpr(s)
		return step{name: s.Field + " = " + s.Expr, fn: fn}, err
	case s.Locator != "":
		name, args, err := ParseLocator(s.Locator)
		if err != nil {
			return step{}, err
		}
		factory, ok := lookup(name)
		if !ok {
			return step{}, errors.Newf("unknown transform %q", name)
		}
		fn, err := factory(args)
		return step{name: name, fn: fn}, err
	}
	return step{}, errors.New("empty transform")
}

func compileExpr(s Spec) (Func, error) {
	expr, err := govaluate.NewEvaluableExpression(s.Expr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse expression %q", s.Expr)
	}
	return func(r *record.Record) error {
		out, err := expr.Evaluate(Parameters(r))
		if err != nil {
			return errors.Wrapf(err, "evaluate %q", s.Expr)
		}
		if r.Source == nil {
			r.Source = map[string]interface{}{}
		}
		if out == nil && s.DropNil {
			delete(r.Source, s.Field)
			return nil
		}
		r.Source[s.Field] = out
		return nil
	}, nil
}

// Parameters exposes a record to expressions: its payload fields plus _id,
// _index and _type.
func Parameters(r *record.Record) map[string]interface{} {
	params := make(map[string]interface{}, len(r.Source)+3)
	for k, v := range r.Source {
		params[k] = v
	}
	params["_id"] = r.ID
	params["_index"] = r.Index
	params["_type"] = r.Type
	return params
}

// Len returns the number of steps.
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.steps)
}

// Apply runs every step, in order, on every record. The first failure stops
// the batch and is returned as a write error naming the record and step.
func (p *Pipeline) Apply(records []record.Record) error {
	if p.Len() == 0 {
		return nil
	}
	for i := range records {
		for _, st := range p.steps {
			if err := st.fn(&records[i]); err != nil {
				return runerr.Write(errors.Wrapf(err, "transform %q on record %q", st.name, records[i].ID), "transform")
			}
		}
	}
	return nil
}
