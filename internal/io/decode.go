package io

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	stdio "io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/xuri/excelize/v2"

	"docpump/internal/config"
	"docpump/internal/logging"
	"docpump/internal/record"
)

// recordDecoder yields records from a stream one at a time. Next returns
// io.EOF after the last record.
type recordDecoder interface {
	Next() (record.Record, error)
}

// maybeGunzip transparently decompresses r when it starts with the gzip
// magic bytes.
func maybeGunzip(r stdio.Reader) (stdio.Reader, stdio.Closer, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	magic, err := br.Peek(2)
	if err != nil && !errors.Is(err, stdio.EOF) {
		return nil, nil, errors.Wrap(err, "peek input")
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open gzip stream")
		}
		return gz, gz, nil
	}
	return br, nil, nil
}

// newDecoder returns the decoder for a container format. JSON input may be
// an array, a single object or a stream of objects, so json and ndjson share
// one decoder.
func newDecoder(format string, r stdio.Reader, opts FormatOptions) (recordDecoder, error) {
	switch strings.ToLower(format) {
	case config.FormatJSON, config.FormatNDJSON, "":
		return newJSONDecoder(r), nil
	case config.FormatCSV:
		delim, err := delimiterRune(opts.Delimiter)
		if err != nil {
			return nil, err
		}
		return newCSVDecoder(r, delim), nil
	case config.FormatXLSX:
		return newXLSXDecoder(r, opts.SheetName)
	default:
		return nil, errors.Newf("unsupported input format '%s'", format)
	}
}

// --- json / ndjson ---

type jsonDecoder struct {
	br      *bufio.Reader
	dec     *json.Decoder
	started bool
	array   bool
}

func newJSONDecoder(r stdio.Reader) *jsonDecoder {
	br := bufio.NewReader(r)
	return &jsonDecoder{br: br, dec: json.NewDecoder(br)}
}

func (d *jsonDecoder) start() error {
	d.started = true
	first, err := peekNonSpace(d.br)
	if err != nil {
		return err
	}
	if first == '[' {
		if _, err := d.dec.Token(); err != nil {
			return errors.Wrap(err, "read array start")
		}
		d.array = true
	}
	return nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = br.ReadByte()
		default:
			return b[0], nil
		}
	}
}

func (d *jsonDecoder) Next() (record.Record, error) {
	if !d.started {
		if err := d.start(); err != nil {
			return record.Record{}, err
		}
	}
	if d.array && !d.dec.More() {
		return record.Record{}, stdio.EOF
	}
	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		return record.Record{}, err
	}
	var r record.Record
	if err := r.UnmarshalJSON(raw); err != nil {
		return record.Record{}, errors.Wrap(err, "decode record")
	}
	return r, nil
}

// --- csv ---

// csvDecoder maps each row onto the header row. The metadata columns _id,
// _index and _type populate the record identity instead of the payload.
type csvDecoder struct {
	r       *csv.Reader
	headers []string
	row     int
}

func newCSVDecoder(r stdio.Reader, delim rune) *csvDecoder {
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	return &csvDecoder{r: cr}
}

func (d *csvDecoder) Next() (record.Record, error) {
	if d.headers == nil {
		head, err := d.r.Read()
		if err != nil {
			return record.Record{}, err
		}
		d.headers = make([]string, len(head))
		for i, h := range head {
			d.headers[i] = strings.TrimSpace(h)
		}
		d.row = 1
	}
	for {
		row, err := d.r.Read()
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return record.Record{}, errors.Wrapf(pe.Err, "csv parse error on line %d, column %d", pe.Line, pe.Column)
			}
			return record.Record{}, err
		}
		d.row++
		if len(row) != len(d.headers) {
			logging.Logf(logging.Warning, "CSV input: row %d has %d fields, expected %d; skipping row", d.row, len(row), len(d.headers))
			continue
		}
		return rowToRecord(d.headers, row), nil
	}
}

func rowToRecord(headers, row []string) record.Record {
	r := record.Record{Source: make(map[string]interface{}, len(headers))}
	for i, h := range headers {
		switch h {
		case "":
			continue
		case "_id":
			r.ID = row[i]
		case "_index":
			r.Index = row[i]
		case "_type":
			r.Type = row[i]
		default:
			r.Source[h] = row[i]
		}
	}
	return r
}

// --- xlsx ---

// xlsxDecoder reads the whole workbook, since the xlsx container cannot be
// parsed incrementally, then iterates its rows.
type xlsxDecoder struct {
	file    *excelize.File
	rows    *excelize.Rows
	headers []string
	sheet   string
	row     int
}

func newXLSXDecoder(r stdio.Reader, sheet string) (*xlsxDecoder, error) {
	data, err := stdio.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read workbook")
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "open workbook")
	}
	if sheet == "" {
		sheet = f.GetSheetName(f.GetActiveSheetIndex())
	}
	if idx, _ := f.GetSheetIndex(sheet); idx == -1 {
		_ = f.Close()
		return nil, errors.Newf("sheet '%s' not found", sheet)
	}
	rows, err := f.Rows(sheet)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "iterate sheet '%s'", sheet)
	}
	return &xlsxDecoder{file: f, rows: rows, sheet: sheet}, nil
}

func (d *xlsxDecoder) Next() (record.Record, error) {
	for d.rows.Next() {
		d.row++
		cols, err := d.rows.Columns()
		if err != nil {
			return record.Record{}, errors.Wrapf(err, "read row %d of sheet '%s'", d.row, d.sheet)
		}
		if d.headers == nil {
			d.headers = make([]string, len(cols))
			for i, h := range cols {
				d.headers[i] = strings.TrimSpace(h)
			}
			continue
		}
		// Trailing empty cells are omitted by excelize.
		padded := make([]string, len(d.headers))
		copy(padded, cols)
		return rowToRecord(d.headers, padded), nil
	}
	if err := d.rows.Error(); err != nil {
		return record.Record{}, err
	}
	_ = d.rows.Close()
	_ = d.file.Close()
	return record.Record{}, stdio.EOF
}
