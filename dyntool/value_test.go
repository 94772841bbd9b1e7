// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

var flatEncodeTests = []struct {
	name string
	av   *dynamodb.AttributeValue
	flat interface{}
}{
	{"null", &dynamodb.AttributeValue{NULL: aws.Bool(true)}, nil},
	{"bool", &dynamodb.AttributeValue{BOOL: aws.Bool(true)}, true},
	{"string", &dynamodb.AttributeValue{S: aws.String("hello")}, "hello"},
	{"number", &dynamodb.AttributeValue{N: aws.String("42")}, json.Number("42")},
	{"decimal", &dynamodb.AttributeValue{N: aws.String("3.25")}, json.Number("3.25")},
	{"million", &dynamodb.AttributeValue{N: aws.String("1000000")}, json.Number("1000000")},
	{"bignumber",
		&dynamodb.AttributeValue{N: aws.String("12345678901234567890123")},
		map[string]interface{}{"N": "12345678901234567890123"}},
	{"binary",
		&dynamodb.AttributeValue{B: []byte("bin")},
		map[string]interface{}{"B": "Ymlu"}},
	{"stringset",
		&dynamodb.AttributeValue{SS: aws.StringSlice([]string{"a", "b"})},
		map[string]interface{}{"S": []interface{}{"a", "b"}}},
	{"emptystringset",
		&dynamodb.AttributeValue{SS: []*string{}},
		map[string]interface{}{"S": []interface{}{}}},
	{"numberset",
		&dynamodb.AttributeValue{NS: aws.StringSlice([]string{"1", "2"})},
		map[string]interface{}{"N": []interface{}{json.Number("1"), json.Number("2")}}},
	{"binaryset",
		&dynamodb.AttributeValue{BS: [][]byte{[]byte("a")}},
		map[string]interface{}{"B": []interface{}{"YQ=="}}},
	{"list",
		&dynamodb.AttributeValue{L: []*dynamodb.AttributeValue{
			{S: aws.String("a")},
			{N: aws.String("1")},
		}},
		[]interface{}{"a", json.Number("1")}},
	{"map",
		&dynamodb.AttributeValue{M: map[string]*dynamodb.AttributeValue{
			"k": {S: aws.String("v")},
		}},
		map[string]interface{}{"k": "v"}},
}

func TestEncodeFlat(t *testing.T) {
	for _, test := range flatEncodeTests {
		flat, err := encodeFlat(test.av)
		if err != nil {
			t.Errorf("%s: unexpected error %v", test.name, err)
			continue
		}
		if !reflect.DeepEqual(flat, test.flat) {
			t.Errorf("%s: expected=%#v actual=%#v", test.name, test.flat, flat)
		}
	}
}

// Every encoded form must decode back to the exact attribute value it
// came from, without type hints.
func TestFlatRoundTrip(t *testing.T) {
	for _, test := range flatEncodeTests {
		flat, err := encodeFlat(test.av)
		if err != nil {
			t.Errorf("%s: encode error %v", test.name, err)
			continue
		}
		av, err := decodeFlat(flat, "")
		if err != nil {
			t.Errorf("%s: decode error %v", test.name, err)
			continue
		}
		if !reflect.DeepEqual(av, test.av) {
			t.Errorf("%s: expected=%v actual=%v", test.name, test.av, av)
		}
	}
}

// A set of strings and a list of strings hold the same values but must
// not collapse into one another.
func TestSetListDistinct(t *testing.T) {
	set := &dynamodb.AttributeValue{SS: aws.StringSlice([]string{"a", "b"})}
	list := &dynamodb.AttributeValue{L: []*dynamodb.AttributeValue{
		{S: aws.String("a")},
		{S: aws.String("b")},
	}}

	fset, err := encodeFlat(set)
	if err != nil {
		t.Fatal("encode set", err)
	}
	flist, err := encodeFlat(list)
	if err != nil {
		t.Fatal("encode list", err)
	}
	if reflect.DeepEqual(fset, flist) {
		t.Fatal("set and list encoded identically", fset)
	}

	back, err := decodeFlat(fset, "")
	if err != nil {
		t.Fatal("decode set", err)
	}
	if back.SS == nil {
		t.Error("set did not decode as a string set", back)
	}
	back, err = decodeFlat(flist, "")
	if err != nil {
		t.Fatal("decode list", err)
	}
	if back.L == nil {
		t.Error("list did not decode as a list", back)
	}
}

// A user map whose single key happens to be "S" must stay a map; the set
// form is only taken when the tag value is an array.
func TestMapWithTagLikeKey(t *testing.T) {
	av, err := decodeFlat(map[string]interface{}{"S": "just a value"}, "")
	if err != nil {
		t.Fatal("decode", err)
	}
	if av.M == nil {
		t.Fatal("expected a map attribute", av)
	}
	if s := aws.StringValue(av.M["S"].S); s != "just a value" {
		t.Error("incorrect map value", s)
	}
}

func TestDecodeHints(t *testing.T) {
	hints := map[string]string{"id": "N", "data": "B", "label": "S"}
	item, err := DecodeFlatItem(map[string]interface{}{
		"id":    "001", // leading zero would otherwise read as a string
		"data":  "Ymlu",
		"label": json.Number("5"),
		"other": "plain",
	}, hints)
	if err != nil {
		t.Fatal("decode", err)
	}
	if n := aws.StringValue(item["id"].N); n != "001" {
		t.Error("id not decoded as number", item["id"])
	}
	if string(item["data"].B) != "bin" {
		t.Error("data not decoded as binary", item["data"])
	}
	if s := aws.StringValue(item["label"].S); s != "5" {
		t.Error("label not decoded as string", item["label"])
	}
	if s := aws.StringValue(item["other"].S); s != "plain" {
		t.Error("other not decoded as string", item["other"])
	}
}

func TestDecodeMalformed(t *testing.T) {
	badInputs := []map[string]interface{}{
		{"v": map[string]interface{}{"N": "not-a-number"}},
		{"v": map[string]interface{}{"B": "not base64!"}},
		{"v": map[string]interface{}{"N": []interface{}{json.Number("1"), "x"}}},
		{"v": map[string]interface{}{"S": []interface{}{"a", json.Number("1")}}},
	}
	for _, input := range badInputs {
		_, err := DecodeFlatItem(input, nil)
		var mv *MalformedValueError
		if !errors.As(err, &mv) {
			t.Errorf("input=%v expected MalformedValueError, got %v", input, err)
			continue
		}
		if mv.Attribute != "v" {
			t.Errorf("input=%v error does not name the attribute: %v", input, mv)
		}
	}
}

var numberSafeTests = []struct {
	n    string
	safe bool
}{
	{"0", true},
	{"42", true},
	{"-17.5", true},
	{"1000000", true}, // 'g' renders 1e+06 but 'f' round trips
	{"9007199254740992", true},
	{"12345678901234567890123", false}, // loses precision in a float64
	{"0.1000000000000000000001", false},
	{"1e10", false}, // round trips as 1e+10, 'f' as 10000000000
}

func TestNumberSafe(t *testing.T) {
	for _, test := range numberSafeTests {
		if safe := numberSafe(test.n); safe != test.safe {
			t.Errorf("n=%q expected=%v actual=%v", test.n, test.safe, safe)
		}
	}
}
