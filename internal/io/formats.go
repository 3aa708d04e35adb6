package io

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/xuri/excelize/v2"

	"docpump/internal/config"
	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/splitter"
)

// FormatOptions carries the per-format settings of a file or object output.
type FormatOptions struct {
	Delimiter string
	SheetName string
}

// NewFormat returns the container format registered under name.
func NewFormat(name string, opts FormatOptions) (splitter.Format, error) {
	switch strings.ToLower(name) {
	case config.FormatNDJSON, "":
		return ndjsonFormat{}, nil
	case config.FormatJSON:
		return jsonFormat{}, nil
	case config.FormatCSV:
		delim, err := delimiterRune(opts.Delimiter)
		if err != nil {
			return nil, err
		}
		return csvFormat{delimiter: delim}, nil
	case config.FormatXLSX:
		sheet := opts.SheetName
		if sheet == "" {
			sheet = config.DefaultSheetName
		}
		return xlsxFormat{sheet: sheet}, nil
	default:
		return nil, errors.Newf("unsupported format '%s'", name)
	}
}

func delimiterRune(s string) (rune, error) {
	if s == "" {
		return ',', nil
	}
	r := []rune(s)
	if len(r) != 1 {
		return 0, errors.Newf("invalid delimiter '%s': must be a single character", s)
	}
	return r[0], nil
}

// marshalRecord encodes r in hit form without HTML escaping.
func marshalRecord(r record.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// --- ndjson ---

type ndjsonFormat struct{}

func (ndjsonFormat) Name() string        { return config.FormatNDJSON }
func (ndjsonFormat) Ext() string         { return ".ndjson" }
func (ndjsonFormat) ContentType() string { return "application/x-ndjson" }
func (ndjsonFormat) Streaming() bool     { return true }

func (ndjsonFormat) NewEncoder() splitter.RecordEncoder { return ndjsonEncoder{} }

type ndjsonEncoder struct{}

func (ndjsonEncoder) Encode(r record.Record) ([]byte, error) {
	b, err := marshalRecord(r)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func (ndjsonEncoder) Overhead() int           { return 0 }
func (ndjsonEncoder) Finish() ([]byte, error) { return nil, nil }

// --- json array ---

type jsonFormat struct{}

func (jsonFormat) Name() string        { return config.FormatJSON }
func (jsonFormat) Ext() string         { return ".json" }
func (jsonFormat) ContentType() string { return "application/json" }
func (jsonFormat) Streaming() bool     { return true }

func (jsonFormat) NewEncoder() splitter.RecordEncoder { return &jsonEncoder{} }

// jsonEncoder frames a partition as a JSON array, one element per line.
type jsonEncoder struct{ n int }

const jsonArrayTail = "\n]\n"

func (e *jsonEncoder) Encode(r record.Record) ([]byte, error) {
	b, err := marshalRecord(r)
	if err != nil {
		return nil, err
	}
	sep := ",\n"
	if e.n == 0 {
		sep = "[\n"
	}
	e.n++
	return append([]byte(sep), b...), nil
}

func (e *jsonEncoder) Overhead() int {
	if e.n == 0 {
		return len("[]\n")
	}
	return len(jsonArrayTail)
}

func (e *jsonEncoder) Finish() ([]byte, error) {
	if e.n == 0 {
		return []byte("[]\n"), nil
	}
	return []byte(jsonArrayTail), nil
}

// --- csv ---

type csvFormat struct{ delimiter rune }

func (csvFormat) Name() string        { return config.FormatCSV }
func (csvFormat) Ext() string         { return ".csv" }
func (csvFormat) ContentType() string { return "text/csv" }
func (csvFormat) Streaming() bool     { return true }

func (f csvFormat) NewEncoder() splitter.RecordEncoder { return &csvEncoder{delimiter: f.delimiter} }

// csvEncoder writes a header row taken from the first record's sorted
// payload keys. Fields absent from that header are dropped.
type csvEncoder struct {
	delimiter rune
	headers   []string
	known     map[string]struct{}
	warned    bool
}

func (e *csvEncoder) Encode(r record.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = e.delimiter
	if e.headers == nil {
		e.headers = record.SortedKeys(r.Source)
		e.known = make(map[string]struct{}, len(e.headers))
		for _, h := range e.headers {
			e.known[h] = struct{}{}
		}
		if err := w.Write(e.headers); err != nil {
			return nil, errors.Wrap(err, "write csv header")
		}
	}
	if !e.warned {
		for k := range r.Source {
			if _, ok := e.known[k]; !ok {
				logging.Logf(logging.Warning, "CSV output: field '%s' of record '%s' is not in the header and is dropped", k, r.ID)
				e.warned = true
				break
			}
		}
	}
	row := make([]string, len(e.headers))
	for i, h := range e.headers {
		row[i] = cellString(r.Source[h])
	}
	if err := w.Write(row); err != nil {
		return nil, errors.Wrapf(err, "write csv row for '%s'", r.ID)
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func (e *csvEncoder) Overhead() int           { return 0 }
func (e *csvEncoder) Finish() ([]byte, error) { return nil, nil }

// cellString renders a payload value for a tabular cell. Objects and arrays
// are written as JSON.
func cellString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// --- xlsx ---

type xlsxFormat struct{ sheet string }

func (xlsxFormat) Name() string { return config.FormatXLSX }
func (xlsxFormat) Ext() string  { return ".xlsx" }
func (xlsxFormat) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Streaming is false: the workbook is only serialized on Finish.
func (xlsxFormat) Streaming() bool { return false }

func (f xlsxFormat) NewEncoder() splitter.RecordEncoder { return &xlsxEncoder{sheet: f.sheet} }

// xlsxEncoder accumulates rows in a workbook held in memory for the
// lifetime of one partition, which maxRows keeps bounded.
type xlsxEncoder struct {
	sheet   string
	file    *excelize.File
	stream  *excelize.StreamWriter
	headers []string
	row     int
}

func (e *xlsxEncoder) init() error {
	e.file = excelize.NewFile()
	if e.sheet != config.DefaultSheetName {
		if err := e.file.SetSheetName(config.DefaultSheetName, e.sheet); err != nil {
			return errors.Wrapf(err, "rename sheet to '%s'", e.sheet)
		}
	}
	sw, err := e.file.NewStreamWriter(e.sheet)
	if err != nil {
		return errors.Wrapf(err, "open stream writer for sheet '%s'", e.sheet)
	}
	e.stream = sw
	e.row = 1
	return nil
}

func (e *xlsxEncoder) writeRow(values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, e.row)
	if err != nil {
		return err
	}
	if err := e.stream.SetRow(cell, values); err != nil {
		return errors.Wrapf(err, "write row %d", e.row)
	}
	e.row++
	return nil
}

func (e *xlsxEncoder) Encode(r record.Record) ([]byte, error) {
	if e.file == nil {
		if err := e.init(); err != nil {
			return nil, err
		}
		e.headers = record.SortedKeys(r.Source)
		header := make([]interface{}, len(e.headers))
		for i, h := range e.headers {
			header[i] = h
		}
		if err := e.writeRow(header); err != nil {
			return nil, err
		}
	}
	values := make([]interface{}, len(e.headers))
	for i, h := range e.headers {
		switch v := r.Source[h].(type) {
		case bool:
			values[i] = strconv.FormatBool(v)
		case map[string]interface{}, []interface{}:
			values[i] = cellString(v)
		default:
			values[i] = v
		}
	}
	return nil, e.writeRow(values)
}

func (e *xlsxEncoder) Overhead() int { return 0 }

func (e *xlsxEncoder) Finish() ([]byte, error) {
	if e.file == nil {
		if err := e.init(); err != nil {
			return nil, err
		}
	}
	defer e.file.Close()
	if err := e.stream.Flush(); err != nil {
		return nil, errors.Wrap(err, "flush sheet")
	}
	buf, err := e.file.WriteToBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "serialize workbook")
	}
	return buf.Bytes(), nil
}
