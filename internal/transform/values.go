package transform

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"docpump/internal/logging"
)

// ValueFunc maps one field value to a new value. doc is the record's payload
// and params the locator's argument block.
type ValueFunc func(value interface{}, doc map[string]interface{}, params url.Values) (interface{}, error)

// valueFuncs holds the field value functions available to "apply", keyed
// by lowercase name.
var valueFuncs = map[string]ValueFunc{
	"epochtodate":  epochToDate,
	"regexextract": regexExtract,
	"trim":         trim,
	"touppercase":  toUpperCase,
	"tolowercase":  toLowerCase,
	"toint":        toInt,
	"tofloat":      toFloat,
	"tobool":       toBool,
	"tostring":     toString,
	"replaceall":   replaceAll,
	"substring":    substring,
	"hash":         hashFields,
}

func lookupValueFunc(name string) (ValueFunc, bool) {
	fn, ok := valueFuncs[strings.ToLower(strings.TrimSpace(name))]
	return fn, ok
}

// epochToDate formats epoch seconds as a date, YYYY-MM-DD unless a layout is given.
func epochToDate(value interface{}, _ map[string]interface{}, params url.Values) (interface{}, error) {
	f, ok := parseValueAsFloat64(value)
	if !ok {
		logging.Logf(logging.Warning, "epochToDate: could not parse input '%v' (type %T) as epoch seconds.", value, value)
		return value, nil
	}
	layout := params.Get("layout")
	if layout == "" {
		layout = "2006-01-02"
	}
	return time.Unix(int64(math.Trunc(f)), 0).UTC().Format(layout), nil
}

func regexExtract(value interface{}, _ map[string]interface{}, params url.Values) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		logging.Logf(logging.Warning, "regexExtract: input value is not a string (type %T)", value)
		return nil, nil
	}
	pattern := params.Get("pattern")
	if pattern == "" {
		return nil, errors.New("regexExtract: missing 'pattern' parameter")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "regexExtract: invalid pattern %q", pattern)
	}
	if m := re.FindStringSubmatch(s); len(m) >= 2 {
		return m[1], nil
	}
	return nil, nil
}

func trim(value interface{}, _ map[string]interface{}, _ url.Values) (interface{}, error) {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s), nil
	}
	return value, nil
}

func toUpperCase(value interface{}, _ map[string]interface{}, _ url.Values) (interface{}, error) {
	if s, ok := value.(string); ok {
		return strings.ToUpper(s), nil
	}
	return value, nil
}

func toLowerCase(value interface{}, _ map[string]interface{}, _ url.Values) (interface{}, error) {
	if s, ok := value.(string); ok {
		return strings.ToLower(s), nil
	}
	return value, nil
}

func toInt(value interface{}, _ map[string]interface{}, params url.Values) (interface{}, error) {
	if i, ok := parseValueAsInt64(value); ok {
		return i, nil
	}
	if strict(params) {
		return nil, errors.Newf("toInt: cannot convert %v (%T)", value, value)
	}
	logging.Logf(logging.Warning, "toInt: conversion failed for input '%v' (type %T); returning nil", value, value)
	return nil, nil
}

func toFloat(value interface{}, _ map[string]interface{}, params url.Values) (interface{}, error) {
	if f, ok := parseValueAsFloat64(value); ok {
		return f, nil
	}
	if strict(params) {
		return nil, errors.Newf("toFloat: cannot convert %v (%T)", value, value)
	}
	logging.Logf(logging.Warning, "toFloat: conversion failed for input '%v' (type %T); returning nil", value, value)
	return nil, nil
}

func toBool(value interface{}, _ map[string]interface{}, params url.Values) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "t", "y":
			return true, nil
		case "false", "0", "no", "f", "n", "":
			return false, nil
		}
	default:
		if f, ok := parseValueAsFloat64(v); ok {
			return f != 0, nil
		}
	}
	if strict(params) {
		return nil, errors.Newf("toBool: cannot convert %v (%T)", value, value)
	}
	logging.Logf(logging.Warning, "toBool: unrecognized value '%v'; returning nil", value)
	return nil, nil
}

func toString(value interface{}, _ map[string]interface{}, _ url.Values) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func replaceAll(value interface{}, _ map[string]interface{}, params url.Values) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	if !params.Has("old") {
		return nil, errors.New("replaceAll: requires 'old' and 'new' parameters")
	}
	return strings.ReplaceAll(s, params.Get("old"), params.Get("new")), nil
}

func substring(value interface{}, _ map[string]interface{}, params url.Values) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	start, startOK := parseParamAsInt(params.Get("start"))
	length, lengthOK := parseParamAsInt(params.Get("length"))
	if !startOK || !lengthOK {
		return nil, errors.New("substring: requires integer 'start' and 'length' parameters")
	}
	runes := []rune(s)
	if start < 0 {
		start = 0
	}
	if length <= 0 || start >= len(runes) {
		return "", nil
	}
	end := start + length
	if end > len(runes) {
		end = len(runes)
	}
	return string(runes[start:end]), nil
}

// hashFields hashes the canonical string form of the listed payload fields,
// in lexical field order, joined by "||".
func hashFields(_ interface{}, doc map[string]interface{}, params url.Values) (interface{}, error) {
	var fields []string
	for _, f := range strings.Split(params.Get("fields"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return nil, errors.New("hash: 'fields' must list at least one field")
	}
	sort.Strings(fields)

	algo := strings.ToLower(params.Get("algorithm"))
	if algo == "" {
		algo = "sha256"
	}
	var sum func([]byte) []byte
	switch algo {
	case "sha256":
		sum = func(b []byte) []byte { h := sha256.Sum256(b); return h[:] }
	case "sha512":
		sum = func(b []byte) []byte { h := sha512.Sum512(b); return h[:] }
	case "md5":
		sum = func(b []byte) []byte { h := md5.Sum(b); return h[:] }
	default:
		return nil, errors.Newf("hash: unsupported algorithm %q", algo)
	}

	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteString("||")
		}
		if v, ok := doc[f]; ok {
			sb.WriteString(ValueToStringForHash(v))
		} else {
			sb.WriteString("<MISSING>")
		}
	}
	return hex.EncodeToString(sum([]byte(sb.String()))), nil
}

// ValueToStringForHash renders v canonically so equal values hash equally.
func ValueToStringForHash(v interface{}) string {
	if v == nil {
		return "<NIL>"
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 64)
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	default:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano)
		}
		return fmt.Sprintf("%#v", v)
	}
}

func strict(params url.Values) bool {
	b, _ := strconv.ParseBool(params.Get("strict"))
	return b
}

// parseValueAsInt64 accepts integers, integral floats and numeric strings.
func parseValueAsInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		if v > uint64(math.MaxInt64) {
			return 0, false
		}
		return int64(v), true
	case float32:
		return parseValueAsInt64(float64(v))
	case float64:
		if v == math.Trunc(v) && v >= math.MinInt64 && v <= math.MaxInt64 {
			return int64(v), true
		}
		return 0, false
	case string:
		s := strings.TrimSpace(v)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return parseValueAsInt64(f)
		}
	}
	return 0, false
}

func parseValueAsFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int, int8, int16, int32, int64:
		return float64(reflect.ValueOf(v).Int()), true
	case uint, uint8, uint16, uint32, uint64:
		return float64(reflect.ValueOf(v).Uint()), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func parseParamAsInt(v interface{}) (int, bool) {
	i, ok := parseValueAsInt64(v)
	if !ok || i > math.MaxInt32 || i < math.MinInt32 {
		return 0, false
	}
	return int(i), true
}
