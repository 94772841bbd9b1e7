// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// CSV cells hold scalars as plain text (numbers as their exact decimal
// strings) and anything composite as the flat JSON encoding.  An empty
// cell means the attribute is absent from the record; empty strings and
// text that could be mistaken for another type are JSON-quoted so they
// survive a round trip.

// CSVItemEncoder implements ItemWriter, streaming items as CSV rows
// under a fixed header.  Safe for concurrent writers; rows may appear in
// any order.
type CSVItemEncoder struct {
	m           sync.Mutex
	cw          *csv.Writer
	header      []string
	headerIdx   map[string]int
	wroteHeader bool
}

// NewCSVItemEncoder returns a CSVItemEncoder writing to w.  header fixes
// the column set; it is normally the union of attribute names seen in a
// pre-scan of the source table.
func NewCSVItemEncoder(w io.Writer, header []string) *CSVItemEncoder {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[name] = i
	}
	return &CSVItemEncoder{
		cw:        csv.NewWriter(w),
		header:    header,
		headerIdx: idx,
	}
}

// WriteItem implements ItemWriter.
func (e *CSVItemEncoder) WriteItem(item map[string]*dynamodb.AttributeValue) error {
	row := make([]string, len(e.header))
	for attr, av := range item {
		i, ok := e.headerIdx[attr]
		if !ok {
			return malformed(attr, "attribute does not appear in the CSV header")
		}
		cell, err := encodeCell(av)
		if err != nil {
			if mv, ok := err.(*MalformedValueError); ok && mv.Attribute == "" {
				mv.Attribute = attr
			}
			return err
		}
		row[i] = cell
	}

	e.m.Lock()
	defer e.m.Unlock()
	if !e.wroteHeader {
		if err := e.cw.Write(e.header); err != nil {
			return err
		}
		e.wroteHeader = true
	}
	if err := e.cw.Write(row); err != nil {
		return err
	}
	e.cw.Flush()
	return e.cw.Error()
}

// Close flushes buffered rows.  An export of an empty table still
// produces the header row.
func (e *CSVItemEncoder) Close() error {
	e.m.Lock()
	defer e.m.Unlock()
	if !e.wroteHeader {
		if err := e.cw.Write(e.header); err != nil {
			return err
		}
		e.wroteHeader = true
	}
	e.cw.Flush()
	return e.cw.Error()
}

// CSVItemDecoder implements ItemReader over a CSV stream whose first row
// is the header.
type CSVItemDecoder struct {
	cr     *csv.Reader
	hints  map[string]string
	header []string
}

// NewCSVItemDecoder returns a CSVItemDecoder reading from r.  hints may
// be nil.
func NewCSVItemDecoder(r io.Reader, hints map[string]string) *CSVItemDecoder {
	return &CSVItemDecoder{cr: csv.NewReader(r), hints: hints}
}

// ReadItem implements ItemReader.  A row with an unparseable cell
// returns a MalformedValueError; the decoder remains positioned at the
// next row, so callers may skip bad records and continue.
func (d *CSVItemDecoder) ReadItem() (map[string]*dynamodb.AttributeValue, error) {
	if d.header == nil {
		header, err := d.cr.Read()
		if err != nil {
			return nil, err
		}
		d.header = header
	}

	rec, err := d.cr.Read()
	if err != nil {
		return nil, err
	}

	item := make(map[string]*dynamodb.AttributeValue)
	for i, cell := range rec {
		if cell == "" {
			continue // absent attribute
		}
		attr := d.header[i]
		av, err := decodeCell(cell, d.hints[attr])
		if err != nil {
			if mv, ok := err.(*MalformedValueError); ok && mv.Attribute == "" {
				mv.Attribute = attr
			}
			return nil, err
		}
		item[attr] = av
	}
	return item, nil
}

func encodeCell(av *dynamodb.AttributeValue) (string, error) {
	switch {
	case av.NULL != nil:
		return "null", nil

	case av.BOOL != nil:
		if *av.BOOL {
			return "true", nil
		}
		return "false", nil

	case av.N != nil:
		return *av.N, nil

	case av.S != nil:
		s := *av.S
		if cellAmbiguous(s) {
			quoted, err := json.Marshal(s)
			if err != nil {
				return "", err
			}
			return string(quoted), nil
		}
		return s, nil
	}

	flat, err := encodeFlat(av)
	if err != nil {
		return "", err
	}
	text, err := json.Marshal(flat)
	if err != nil {
		return "", err
	}
	return string(text), nil
}

func decodeCell(text, hint string) (*dynamodb.AttributeValue, error) {
	switch hint {
	case dynamodb.ScalarAttributeTypeN:
		if !isNumeric(text) {
			return nil, malformed("", "declared number attribute holds %q", text)
		}
		return &dynamodb.AttributeValue{N: aws.String(text)}, nil

	case dynamodb.ScalarAttributeTypeB:
		data, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, malformed("", "declared binary attribute is not valid base64: %v", err)
		}
		return &dynamodb.AttributeValue{B: data}, nil

	case dynamodb.ScalarAttributeTypeS:
		if strings.HasPrefix(text, `"`) {
			return decodeQuotedCell(text)
		}
		return &dynamodb.AttributeValue{S: aws.String(text)}, nil
	}

	switch {
	case text == "null":
		return &dynamodb.AttributeValue{NULL: aws.Bool(true)}, nil

	case text == "true" || text == "false":
		return &dynamodb.AttributeValue{BOOL: aws.Bool(text == "true")}, nil

	case isNumeric(text):
		return &dynamodb.AttributeValue{N: aws.String(text)}, nil

	case strings.HasPrefix(text, `"`):
		return decodeQuotedCell(text)

	case strings.HasPrefix(text, "{") || strings.HasPrefix(text, "["):
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, malformed("", "cannot parse cell %q: %v", text, err)
		}
		return decodeFlat(v, "")
	}
	return &dynamodb.AttributeValue{S: aws.String(text)}, nil
}

func decodeQuotedCell(text string) (*dynamodb.AttributeValue, error) {
	var s string
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return nil, malformed("", "cannot parse quoted cell %q: %v", text, err)
	}
	return &dynamodb.AttributeValue{S: aws.String(s)}, nil
}

// cellAmbiguous reports whether a string value written bare would decode
// as some other type.
func cellAmbiguous(s string) bool {
	if s == "" || s == "null" || s == "true" || s == "false" {
		return true
	}
	if isNumeric(s) {
		return true
	}
	switch s[0] {
	case '{', '[', '"':
		return true
	}
	return false
}
