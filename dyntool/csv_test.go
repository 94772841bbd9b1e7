// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

func TestCSVRoundTrip(t *testing.T) {
	items := []map[string]*dynamodb.AttributeValue{
		{
			"id":    {S: aws.String("a")},
			"count": {N: aws.String("3")},
			"note":  {S: aws.String("plain text")},
		},
		{
			"id":    {S: aws.String("b")},
			"count": {N: aws.String("0.125")},
			// note absent from this record
		},
	}

	var buf bytes.Buffer
	enc := NewCSVItemEncoder(&buf, []string{"id", "count", "note"})
	for _, item := range items {
		if err := enc.WriteItem(item); err != nil {
			t.Fatal("WriteItem", err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatal("Close", err)
	}

	dec := NewCSVItemDecoder(&buf, map[string]string{"id": "S", "count": "N"})
	var got []map[string]*dynamodb.AttributeValue
	for {
		item, err := dec.ReadItem()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal("ReadItem", err)
		}
		got = append(got, item)
	}
	if !reflect.DeepEqual(got, items) {
		t.Errorf("round trip mismatch\nexpected=%v\nactual=%v", items, got)
	}
	if _, present := got[1]["note"]; present {
		t.Error("absent attribute resurfaced", got[1])
	}
}

// Strings that look like other types must be quoted on the way out and
// recovered exactly on the way back.
func TestCSVAmbiguousStrings(t *testing.T) {
	item := map[string]*dynamodb.AttributeValue{
		"id": {S: aws.String("k")},
		"a":  {S: aws.String("42")},     // looks numeric
		"b":  {S: aws.String("true")},   // looks boolean
		"c":  {S: aws.String("null")},   // looks null
		"d":  {S: aws.String("")},       // would read as absent
		"e":  {S: aws.String(`{"x":1}`)}, // looks composite
	}

	var buf bytes.Buffer
	enc := NewCSVItemEncoder(&buf, []string{"id", "a", "b", "c", "d", "e"})
	if err := enc.WriteItem(item); err != nil {
		t.Fatal("WriteItem", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal("Close", err)
	}

	dec := NewCSVItemDecoder(&buf, nil)
	got, err := dec.ReadItem()
	if err != nil {
		t.Fatal("ReadItem", err)
	}
	if !reflect.DeepEqual(got, item) {
		t.Errorf("expected=%v actual=%v", item, got)
	}
}

// Composite values travel as flat JSON inside the cell.
func TestCSVCompositeCells(t *testing.T) {
	item := map[string]*dynamodb.AttributeValue{
		"id":   {S: aws.String("k")},
		"tags": {SS: aws.StringSlice([]string{"x", "y"})},
		"meta": {M: map[string]*dynamodb.AttributeValue{
			"depth": {N: aws.String("2")},
		}},
		"seq": {L: []*dynamodb.AttributeValue{
			{N: aws.String("1")},
			{S: aws.String("two")},
		}},
	}

	var buf bytes.Buffer
	enc := NewCSVItemEncoder(&buf, []string{"id", "tags", "meta", "seq"})
	if err := enc.WriteItem(item); err != nil {
		t.Fatal("WriteItem", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal("Close", err)
	}

	dec := NewCSVItemDecoder(&buf, nil)
	got, err := dec.ReadItem()
	if err != nil {
		t.Fatal("ReadItem", err)
	}
	if !reflect.DeepEqual(got, item) {
		t.Errorf("expected=%v actual=%v", item, got)
	}
}

// An export of an empty table still produces the header row.
func TestCSVEmptyExport(t *testing.T) {
	var buf bytes.Buffer
	enc := NewCSVItemEncoder(&buf, []string{"id", "v"})
	if err := enc.Close(); err != nil {
		t.Fatal("Close", err)
	}
	if buf.String() != "id,v\n" {
		t.Errorf("expected header only, got %q", buf.String())
	}
}

// An attribute outside the fixed header cannot be represented.
func TestCSVUnknownAttribute(t *testing.T) {
	enc := NewCSVItemEncoder(&bytes.Buffer{}, []string{"id"})
	err := enc.WriteItem(map[string]*dynamodb.AttributeValue{
		"id":    {S: aws.String("a")},
		"extra": {S: aws.String("x")},
	})
	mv, ok := err.(*MalformedValueError)
	if !ok {
		t.Fatal("expected MalformedValueError, got", err)
	}
	if mv.Attribute != "extra" {
		t.Error("error does not name the attribute", mv)
	}
}

// A bad row yields a MalformedValueError but leaves the decoder readable
// so the caller can skip it.
func TestCSVMalformedRowSkippable(t *testing.T) {
	input := "id,n\n" +
		"a,1\n" +
		"b,not-a-number\n" +
		"c,3\n"
	dec := NewCSVItemDecoder(strings.NewReader(input), map[string]string{"n": "N"})

	if _, err := dec.ReadItem(); err != nil {
		t.Fatal("first row", err)
	}
	_, err := dec.ReadItem()
	if _, ok := err.(*MalformedValueError); !ok {
		t.Fatal("expected MalformedValueError, got", err)
	}
	item, err := dec.ReadItem()
	if err != nil {
		t.Fatal("third row", err)
	}
	if n := aws.StringValue(item["n"].N); n != "3" {
		t.Error("incorrect third row", item)
	}
	if _, err := dec.ReadItem(); err != io.EOF {
		t.Error("expected EOF, got", err)
	}
}
