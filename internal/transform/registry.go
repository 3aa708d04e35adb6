package transform

import (
	"net/url"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"docpump/internal/record"
)

// Factory builds a transform from the argument block of its locator.
type Factory func(args url.Values) (Func, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a named transform available to locators. Registering the
// same name twice replaces the earlier factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = f
}

func lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[strings.ToLower(name)]
	return f, ok
}

// ParseLocator splits "name?key=value&..." into the name and its arguments.
func ParseLocator(locator string) (string, url.Values, error) {
	name, query, _ := strings.Cut(strings.TrimSpace(locator), "?")
	if name == "" {
		return "", nil, errors.Newf("transform locator %q has no name", locator)
	}
	args, err := url.ParseQuery(query)
	if err != nil {
		return "", nil, errors.Wrapf(err, "transform locator %q", locator)
	}
	return name, args, nil
}

func init() {
	Register("rename", renameFactory)
	Register("drop", dropFactory)
	Register("set", setFactory)
	Register("apply", applyFactory)
	Register("setIndex", setIndexFactory)
	Register("copyMeta", copyMetaFactory)
}

func required(args url.Values, name, key string) (string, error) {
	v := args.Get(key)
	if v == "" {
		return "", errors.Newf("%s: missing %q argument", name, key)
	}
	return v, nil
}

// rename?from=a&to=b moves a payload field.
func renameFactory(args url.Values) (Func, error) {
	from, err := required(args, "rename", "from")
	if err != nil {
		return nil, err
	}
	to, err := required(args, "rename", "to")
	if err != nil {
		return nil, err
	}
	return func(r *record.Record) error {
		if v, ok := r.Source[from]; ok {
			delete(r.Source, from)
			r.Source[to] = v
		}
		return nil
	}, nil
}

// drop?fields=a,b removes payload fields.
func dropFactory(args url.Values) (Func, error) {
	list, err := required(args, "drop", "fields")
	if err != nil {
		return nil, err
	}
	fields := strings.Split(list, ",")
	return func(r *record.Record) error {
		for _, f := range fields {
			delete(r.Source, strings.TrimSpace(f))
		}
		return nil
	}, nil
}

// set?field=a&value=v assigns a constant string.
func setFactory(args url.Values) (Func, error) {
	field, err := required(args, "set", "field")
	if err != nil {
		return nil, err
	}
	value := args.Get("value")
	return func(r *record.Record) error {
		if r.Source == nil {
			r.Source = map[string]interface{}{}
		}
		r.Source[field] = value
		return nil
	}, nil
}

// apply?field=a&fn=toUpperCase[&target=b][&...fn args] runs a value function
// on one field and stores the result in target (default: the same field).
func applyFactory(args url.Values) (Func, error) {
	field, err := required(args, "apply", "field")
	if err != nil {
		return nil, err
	}
	fnName, err := required(args, "apply", "fn")
	if err != nil {
		return nil, err
	}
	fn, ok := lookupValueFunc(fnName)
	if !ok {
		return nil, errors.Newf("apply: unknown value function %q", fnName)
	}
	target := args.Get("target")
	if target == "" {
		target = field
	}
	return func(r *record.Record) error {
		if r.Source == nil {
			r.Source = map[string]interface{}{}
		}
		out, err := fn(r.Source[field], r.Source, args)
		if err != nil {
			return err
		}
		r.Source[target] = out
		return nil
	}, nil
}

// setIndex?index=name retargets the destination index.
func setIndexFactory(args url.Values) (Func, error) {
	index, err := required(args, "setIndex", "index")
	if err != nil {
		return nil, err
	}
	return func(r *record.Record) error {
		r.Index = index
		return nil
	}, nil
}

// copyMeta?fields=_id,_index[&prefix=meta_] copies identity fields into the
// payload so they survive sinks that only keep _source.
func copyMetaFactory(args url.Values) (Func, error) {
	list := args.Get("fields")
	if list == "" {
		list = "_id,_index"
	}
	prefix := args.Get("prefix")
	fields := strings.Split(list, ",")
	return func(r *record.Record) error {
		if r.Source == nil {
			r.Source = map[string]interface{}{}
		}
		for _, f := range fields {
			f = strings.TrimSpace(f)
			v, ok := metaValue(r, f)
			if !ok {
				continue
			}
			r.Source[prefix+strings.TrimPrefix(f, "_")] = v
		}
		return nil
	}, nil
}

func metaValue(r *record.Record, field string) (interface{}, bool) {
	switch field {
	case "_id":
		return r.ID, r.ID != ""
	case "_index":
		return r.Index, r.Index != ""
	case "_type":
		return r.Type, r.Type != ""
	case "_routing":
		return r.Routing, r.Routing != ""
	case "_version":
		if r.Version == nil {
			return nil, false
		}
		return *r.Version, true
	}
	v, ok := r.Meta[strings.TrimPrefix(field, "_")]
	return v, ok
}
