// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// ItemReader is the interface expected by import operations to retrieve
// items from a file format.  ReadItem returns io.EOF once the source is
// exhausted.
type ItemReader interface {
	ReadItem() (item map[string]*dynamodb.AttributeValue, err error)
}

// JSONItemEncoder implements ItemWriter, flat-encoding each item and
// writing it as one JSON line.  Safe for concurrent writers.
type JSONItemEncoder struct {
	m  sync.Mutex
	jw *json.Encoder
}

// NewJSONItemEncoder returns a JSONItemEncoder writing to w.
func NewJSONItemEncoder(w io.Writer) *JSONItemEncoder {
	return &JSONItemEncoder{jw: json.NewEncoder(w)}
}

// WriteItem implements ItemWriter.
func (e *JSONItemEncoder) WriteItem(item map[string]*dynamodb.AttributeValue) error {
	data, err := EncodeFlatItem(item)
	if err != nil {
		return err
	}
	e.m.Lock()
	defer e.m.Unlock()
	return e.jw.Encode(data)
}

// JSONItemDecoder implements ItemReader over a stream of flat-encoded
// JSON lines.  Type hints, usually taken from the destination table's
// descriptor, resolve scalar ambiguities for the named attributes.
type JSONItemDecoder struct {
	jd    *json.Decoder
	hints map[string]string
}

// NewJSONItemDecoder returns a JSONItemDecoder reading from r.  hints
// may be nil.
func NewJSONItemDecoder(r io.Reader, hints map[string]string) *JSONItemDecoder {
	jd := json.NewDecoder(r)
	jd.UseNumber()
	return &JSONItemDecoder{jd: jd, hints: hints}
}

// ReadItem implements ItemReader.
func (d *JSONItemDecoder) ReadItem() (map[string]*dynamodb.AttributeValue, error) {
	var data map[string]interface{}
	if err := d.jd.Decode(&data); err != nil {
		return nil, err
	}
	return DecodeFlatItem(data, d.hints)
}

// attributeValue is a copy of dynamodb.AttributeValue with json tags
// added to avoid encoding omitted entries when writing out a native dump.
type attributeValue struct {
	B    []byte                     `json:",omitempty"`
	BOOL *bool                      `json:",omitempty"`
	BS   [][]byte                   `json:",omitempty"`
	L    []*attributeValue          `json:",omitempty"`
	M    map[string]*attributeValue `json:",omitempty"`
	N    *string                    `json:",omitempty"`
	NS   []*string                  `json:",omitempty"`
	NULL *bool                      `json:",omitempty"`
	S    *string                    `json:",omitempty"`
	SS   []*string                  `json:",omitempty"`
}

func toAttribute(src *dynamodb.AttributeValue) (dst *attributeValue) {
	dst = &attributeValue{
		B:    src.B,
		BOOL: src.BOOL,
		BS:   src.BS,
		N:    src.N,
		NS:   src.NS,
		NULL: src.NULL,
		S:    src.S,
		SS:   src.SS,
	}
	if src.L != nil {
		dst.L = make([]*attributeValue, len(src.L))
		for i := range src.L {
			dst.L[i] = toAttribute(src.L[i])
		}
	}
	if src.M != nil {
		dst.M = make(map[string]*attributeValue)
		for k, v := range src.M {
			dst.M[k] = toAttribute(v)
		}
	}
	return dst
}

// NativeItemEncoder implements ItemWriter, writing each item as one JSON
// line in DynamoDB's own attribute serialization.  Used by backup, which
// must round-trip every type with full fidelity.
type NativeItemEncoder struct {
	m  sync.Mutex
	jw *json.Encoder
}

// NewNativeItemEncoder returns a NativeItemEncoder writing to w.
func NewNativeItemEncoder(w io.Writer) *NativeItemEncoder {
	return &NativeItemEncoder{jw: json.NewEncoder(w)}
}

// WriteItem implements ItemWriter.
func (e *NativeItemEncoder) WriteItem(item map[string]*dynamodb.AttributeValue) error {
	newItem := make(map[string]*attributeValue, len(item))
	for k, v := range item {
		newItem[k] = toAttribute(v)
	}
	e.m.Lock()
	defer e.m.Unlock()
	return e.jw.Encode(newItem)
}

// NativeItemDecoder implements ItemReader over a native dump stream.
type NativeItemDecoder struct {
	jd *json.Decoder
}

// NewNativeItemDecoder returns a NativeItemDecoder reading from r.
func NewNativeItemDecoder(r io.Reader) *NativeItemDecoder {
	return &NativeItemDecoder{jd: json.NewDecoder(r)}
}

// ReadItem implements ItemReader.
func (d *NativeItemDecoder) ReadItem() (item map[string]*dynamodb.AttributeValue, err error) {
	err = d.jd.Decode(&item)
	return item, err
}
