// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// Flat encoding converts between DynamoDB's typed attribute model and the
// plain values used by the JSON-lines and CSV formats:
//
//	null            <-> JSON null
//	bool            <-> JSON bool
//	string          <-> JSON string
//	number          <-> JSON number, or {"N":"<digits>"} when the decimal
//	                    string does not survive a float64 round trip
//	binary          <-> {"B":"<base64>"}
//	string set      <-> {"S":[...]}
//	number set      <-> {"N":[...]}
//	binary set      <-> {"B":[...]}
//	list            <-> JSON array
//	map             <-> JSON object
//
// A set tag always carries an array; the scalar tagged forms carry a
// single string, so a set of strings never collides with a list of
// strings and a tagged big number never collides with a number set.
const (
	tagString = "S"
	tagNumber = "N"
	tagBinary = "B"
)

// EncodeFlatItem converts a DynamoDB item to its flat representation.
func EncodeFlatItem(item map[string]*dynamodb.AttributeValue) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(item))
	for k, av := range item {
		v, err := encodeFlat(av)
		if err != nil {
			if mv, ok := err.(*MalformedValueError); ok && mv.Attribute == "" {
				mv.Attribute = k
			}
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// DecodeFlatItem converts a flat record back to a DynamoDB item.  hints
// maps attribute names to their declared DynamoDB scalar types ("S", "N"
// or "B", per the table's attribute definitions) and may be nil; declared
// types win over syntactic inference.
func DecodeFlatItem(data map[string]interface{}, hints map[string]string) (map[string]*dynamodb.AttributeValue, error) {
	item := make(map[string]*dynamodb.AttributeValue, len(data))
	for k, v := range data {
		av, err := decodeFlat(v, hints[k])
		if err != nil {
			if mv, ok := err.(*MalformedValueError); ok && mv.Attribute == "" {
				mv.Attribute = k
			}
			return nil, err
		}
		item[k] = av
	}
	return item, nil
}

func encodeFlat(av *dynamodb.AttributeValue) (interface{}, error) {
	switch {
	case av.NULL != nil:
		return nil, nil

	case av.BOOL != nil:
		return *av.BOOL, nil

	case av.S != nil:
		return *av.S, nil

	case av.N != nil:
		if numberSafe(*av.N) {
			return json.Number(*av.N), nil
		}
		return map[string]interface{}{tagNumber: *av.N}, nil

	case av.B != nil:
		return map[string]interface{}{tagBinary: base64.StdEncoding.EncodeToString(av.B)}, nil

	case av.SS != nil:
		vals := make([]interface{}, 0, len(av.SS))
		for _, s := range av.SS {
			vals = append(vals, *s)
		}
		return map[string]interface{}{tagString: vals}, nil

	case av.NS != nil:
		vals := make([]interface{}, 0, len(av.NS))
		for _, n := range av.NS {
			if numberSafe(*n) {
				vals = append(vals, json.Number(*n))
			} else {
				vals = append(vals, *n)
			}
		}
		return map[string]interface{}{tagNumber: vals}, nil

	case av.BS != nil:
		vals := make([]interface{}, 0, len(av.BS))
		for _, b := range av.BS {
			vals = append(vals, base64.StdEncoding.EncodeToString(b))
		}
		return map[string]interface{}{tagBinary: vals}, nil

	case av.L != nil:
		vals := make([]interface{}, 0, len(av.L))
		for _, el := range av.L {
			v, err := encodeFlat(el)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return vals, nil

	case av.M != nil:
		vals := make(map[string]interface{}, len(av.M))
		for k, el := range av.M {
			v, err := encodeFlat(el)
			if err != nil {
				return nil, err
			}
			vals[k] = v
		}
		return vals, nil
	}
	return nil, malformed("", "attribute value has no type set")
}

func decodeFlat(v interface{}, hint string) (*dynamodb.AttributeValue, error) {
	switch t := v.(type) {
	case nil:
		return &dynamodb.AttributeValue{NULL: aws.Bool(true)}, nil

	case bool:
		if hint == dynamodb.ScalarAttributeTypeS {
			return &dynamodb.AttributeValue{S: aws.String(strconv.FormatBool(t))}, nil
		}
		return &dynamodb.AttributeValue{BOOL: aws.Bool(t)}, nil

	case string:
		return decodeScalarString(t, hint)

	case json.Number:
		return decodeNumberText(string(t), hint)

	case float64:
		return decodeNumberText(strconv.FormatFloat(t, 'f', -1, 64), hint)

	case []interface{}:
		els := make([]*dynamodb.AttributeValue, 0, len(t))
		for _, el := range t {
			av, err := decodeFlat(el, "")
			if err != nil {
				return nil, err
			}
			els = append(els, av)
		}
		return &dynamodb.AttributeValue{L: els}, nil

	case map[string]interface{}:
		return decodeObject(t)
	}
	return nil, malformed("", "unsupported value of type %T", v)
}

// decodeObject distinguishes tagged sets and scalars from plain maps.
func decodeObject(obj map[string]interface{}) (*dynamodb.AttributeValue, error) {
	if len(obj) == 1 {
		for tag, val := range obj {
			switch tag {
			case tagString, tagNumber, tagBinary:
				if arr, ok := val.([]interface{}); ok {
					return decodeSet(tag, arr)
				}
				if s, ok := val.(string); ok && tag != tagString {
					return decodeScalarTag(tag, s)
				}
			}
		}
	}

	m := make(map[string]*dynamodb.AttributeValue, len(obj))
	for k, v := range obj {
		av, err := decodeFlat(v, "")
		if err != nil {
			return nil, err
		}
		m[k] = av
	}
	return &dynamodb.AttributeValue{M: m}, nil
}

func decodeScalarTag(tag, val string) (*dynamodb.AttributeValue, error) {
	switch tag {
	case tagNumber:
		if !isNumeric(val) {
			return nil, malformed("", "tagged number %q is not numeric", val)
		}
		return &dynamodb.AttributeValue{N: aws.String(val)}, nil

	case tagBinary:
		data, err := base64.StdEncoding.DecodeString(val)
		if err != nil {
			return nil, malformed("", "tagged binary is not valid base64: %v", err)
		}
		return &dynamodb.AttributeValue{B: data}, nil
	}
	return nil, malformed("", "unknown type tag %q", tag)
}

func decodeSet(tag string, vals []interface{}) (*dynamodb.AttributeValue, error) {
	switch tag {
	case tagString:
		set := make([]*string, 0, len(vals))
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				return nil, malformed("", "string set contains non-string element %v", v)
			}
			set = append(set, aws.String(s))
		}
		return &dynamodb.AttributeValue{SS: set}, nil

	case tagNumber:
		set := make([]*string, 0, len(vals))
		for _, v := range vals {
			var n string
			switch t := v.(type) {
			case json.Number:
				n = string(t)
			case float64:
				n = strconv.FormatFloat(t, 'f', -1, 64)
			case string:
				n = t
			default:
				return nil, malformed("", "number set contains non-numeric element %v", v)
			}
			if !isNumeric(n) {
				return nil, malformed("", "number set contains non-numeric element %q", n)
			}
			set = append(set, aws.String(n))
		}
		return &dynamodb.AttributeValue{NS: set}, nil

	case tagBinary:
		set := make([][]byte, 0, len(vals))
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				return nil, malformed("", "binary set contains non-string element %v", v)
			}
			data, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, malformed("", "binary set element is not valid base64: %v", err)
			}
			set = append(set, data)
		}
		return &dynamodb.AttributeValue{BS: set}, nil
	}
	return nil, malformed("", "unknown set tag %q", tag)
}

func decodeScalarString(s, hint string) (*dynamodb.AttributeValue, error) {
	switch hint {
	case dynamodb.ScalarAttributeTypeN:
		if !isNumeric(s) {
			return nil, malformed("", "declared number attribute holds %q", s)
		}
		return &dynamodb.AttributeValue{N: aws.String(s)}, nil

	case dynamodb.ScalarAttributeTypeB:
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, malformed("", "declared binary attribute is not valid base64: %v", err)
		}
		return &dynamodb.AttributeValue{B: data}, nil
	}
	return &dynamodb.AttributeValue{S: aws.String(s)}, nil
}

func decodeNumberText(n, hint string) (*dynamodb.AttributeValue, error) {
	if hint == dynamodb.ScalarAttributeTypeS {
		return &dynamodb.AttributeValue{S: aws.String(n)}, nil
	}
	if !isNumeric(n) {
		return nil, malformed("", "%q is not a valid number", n)
	}
	return &dynamodb.AttributeValue{N: aws.String(n)}, nil
}

// numberSafe reports whether the decimal string survives a float64 round
// trip unchanged.  Anything that does not (loses digits, changes form)
// must be carried as a tagged string instead of a JSON number.  Either
// rendering may match: large integers round trip through 'f' while
// their shortest 'g' form uses an exponent.
func numberSafe(n string) bool {
	f, err := strconv.ParseFloat(n, 64)
	if err != nil {
		return false
	}
	return strconv.FormatFloat(f, 'g', -1, 64) == n ||
		strconv.FormatFloat(f, 'f', -1, 64) == n
}

func isNumeric(n string) bool {
	if n == "" || strings.ContainsAny(n, "/_ ") {
		return false
	}
	_, ok := new(big.Rat).SetString(n)
	return ok
}
