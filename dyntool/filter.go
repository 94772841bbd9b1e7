// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"bytes"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// Filter is a parsed predicate over item attributes.  The language is a
// conjunction of simple conditions:
//
//	status = "archived"
//	retries != 3 and flagged = true
//	ttl not exists and owner exists
//
// Values may be quoted strings, bare words, numbers or true/false.  A
// Filter is a pure function over an item; the same predicate can also be
// rendered as a DynamoDB filter expression for server-side evaluation.
type Filter struct {
	conds []condition
}

type filterOp int

const (
	opEqual filterOp = iota
	opNotEqual
	opExists
	opNotExists
)

type condition struct {
	attr  string
	op    filterOp
	value *dynamodb.AttributeValue // nil for exists / not exists
}

// ParseFilter parses filter text.  A nil Filter is returned for empty
// input.  Malformed text fails with ErrInvalidFilterSyntax before any
// table I/O takes place.
func ParseFilter(text string) (*Filter, error) {
	toks, err := lexFilter(text)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, nil
	}

	f := &Filter{}
	for {
		cond, rest, err := parseCondition(toks)
		if err != nil {
			return nil, err
		}
		f.conds = append(f.conds, cond)
		toks = rest

		if len(toks) == 0 {
			return f, nil
		}
		if !strings.EqualFold(toks[0].text, "and") {
			return nil, fmt.Errorf("%w: expected \"and\", got %q", ErrInvalidFilterSyntax, toks[0].text)
		}
		toks = toks[1:]
		if len(toks) == 0 {
			return nil, fmt.Errorf("%w: trailing \"and\"", ErrInvalidFilterSyntax)
		}
	}
}

// Match evaluates the filter against an item.
func (f *Filter) Match(item map[string]*dynamodb.AttributeValue) bool {
	for _, c := range f.conds {
		av, present := item[c.attr]
		switch c.op {
		case opExists:
			if !present {
				return false
			}
		case opNotExists:
			if present {
				return false
			}
		case opEqual:
			if !present || !attrEqual(av, c.value) {
				return false
			}
		case opNotEqual:
			if !present || attrEqual(av, c.value) {
				return false
			}
		}
	}
	return true
}

// expression renders the filter as a DynamoDB filter expression with
// placeholder maps, semantically identical to Match.
func (f *Filter) expression() (expr string, names map[string]*string, values map[string]*dynamodb.AttributeValue) {
	names = make(map[string]*string)
	values = make(map[string]*dynamodb.AttributeValue)

	parts := make([]string, 0, len(f.conds))
	for i, c := range f.conds {
		name := fmt.Sprintf("#f%d", i)
		names[name] = aws.String(c.attr)

		switch c.op {
		case opEqual:
			val := fmt.Sprintf(":f%d", i)
			values[val] = c.value
			parts = append(parts, fmt.Sprintf("%s = %s", name, val))
		case opNotEqual:
			val := fmt.Sprintf(":f%d", i)
			values[val] = c.value
			parts = append(parts, fmt.Sprintf("%s <> %s", name, val))
		case opExists:
			parts = append(parts, fmt.Sprintf("attribute_exists(%s)", name))
		case opNotExists:
			parts = append(parts, fmt.Sprintf("attribute_not_exists(%s)", name))
		}
	}
	if len(values) == 0 {
		values = nil
	}
	return strings.Join(parts, " AND "), names, values
}

func (f *Filter) String() string {
	parts := make([]string, 0, len(f.conds))
	for _, c := range f.conds {
		switch c.op {
		case opEqual:
			parts = append(parts, fmt.Sprintf("%s = %s", c.attr, attrString(c.value)))
		case opNotEqual:
			parts = append(parts, fmt.Sprintf("%s != %s", c.attr, attrString(c.value)))
		case opExists:
			parts = append(parts, c.attr+" exists")
		case opNotExists:
			parts = append(parts, c.attr+" not exists")
		}
	}
	return strings.Join(parts, " and ")
}

func parseCondition(toks []token) (condition, []token, error) {
	var c condition
	if len(toks) == 0 {
		return c, nil, fmt.Errorf("%w: missing condition", ErrInvalidFilterSyntax)
	}
	if toks[0].kind != tokWord {
		return c, nil, fmt.Errorf("%w: expected attribute name, got %q", ErrInvalidFilterSyntax, toks[0].text)
	}
	c.attr = toks[0].text
	toks = toks[1:]

	if len(toks) == 0 {
		return c, nil, fmt.Errorf("%w: missing operator after %q", ErrInvalidFilterSyntax, c.attr)
	}

	switch {
	case toks[0].kind == tokEqual:
		c.op = opEqual
	case toks[0].kind == tokNotEqual:
		c.op = opNotEqual
	case toks[0].kind == tokWord && strings.EqualFold(toks[0].text, "exists"):
		c.op = opExists
		return c, toks[1:], nil
	case toks[0].kind == tokWord && strings.EqualFold(toks[0].text, "not"):
		if len(toks) < 2 || toks[1].kind != tokWord || !strings.EqualFold(toks[1].text, "exists") {
			return c, nil, fmt.Errorf("%w: expected \"not exists\"", ErrInvalidFilterSyntax)
		}
		c.op = opNotExists
		return c, toks[2:], nil
	default:
		return c, nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilterSyntax, toks[0].text)
	}
	toks = toks[1:]

	if len(toks) == 0 {
		return c, nil, fmt.Errorf("%w: missing operand for %q", ErrInvalidFilterSyntax, c.attr)
	}
	val, err := literalValue(toks[0])
	if err != nil {
		return c, nil, err
	}
	c.value = val
	return c, toks[1:], nil
}

// literalValue types an operand token: quoted text is always a string;
// bare tokens are inferred as bool, number or string.
func literalValue(t token) (*dynamodb.AttributeValue, error) {
	switch t.kind {
	case tokQuoted:
		return &dynamodb.AttributeValue{S: aws.String(t.text)}, nil
	case tokWord:
		switch {
		case t.text == "true" || t.text == "false":
			return &dynamodb.AttributeValue{BOOL: aws.Bool(t.text == "true")}, nil
		case isNumeric(t.text):
			return &dynamodb.AttributeValue{N: aws.String(t.text)}, nil
		default:
			return &dynamodb.AttributeValue{S: aws.String(t.text)}, nil
		}
	}
	return nil, fmt.Errorf("%w: expected value, got %q", ErrInvalidFilterSyntax, t.text)
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokEqual
	tokNotEqual
)

type token struct {
	kind tokenKind
	text string
}

func lexFilter(text string) ([]token, error) {
	var toks []token
	r := []rune(text)

	for i := 0; i < len(r); {
		switch c := r[i]; {
		case c == ' ' || c == '\t':
			i++

		case c == '=':
			toks = append(toks, token{kind: tokEqual, text: "="})
			i++

		case c == '!':
			if i+1 >= len(r) || r[i+1] != '=' {
				return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilterSyntax, "!")
			}
			toks = append(toks, token{kind: tokNotEqual, text: "!="})
			i += 2

		case c == '\'' || c == '"':
			quote := c
			var buf bytes.Buffer
			i++
			for {
				if i >= len(r) {
					return nil, fmt.Errorf("%w: unterminated string", ErrInvalidFilterSyntax)
				}
				if r[i] == quote {
					i++
					break
				}
				buf.WriteRune(r[i])
				i++
			}
			toks = append(toks, token{kind: tokQuoted, text: buf.String()})

		default:
			start := i
			for i < len(r) && !strings.ContainsRune(" \t=!'\"", r[i]) {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: string(r[start:i])})
		}
	}
	return toks, nil
}

// attrEqual compares two scalar attribute values; numbers compare
// numerically so "1.0" equals "1".
func attrEqual(a, b *dynamodb.AttributeValue) bool {
	switch {
	case a.S != nil && b.S != nil:
		return *a.S == *b.S
	case a.N != nil && b.N != nil:
		x, okx := new(big.Rat).SetString(*a.N)
		y, oky := new(big.Rat).SetString(*b.N)
		return okx && oky && x.Cmp(y) == 0
	case a.BOOL != nil && b.BOOL != nil:
		return *a.BOOL == *b.BOOL
	case a.B != nil && b.B != nil:
		return bytes.Equal(a.B, b.B)
	case a.NULL != nil && b.NULL != nil:
		return true
	}
	return false
}

func attrString(av *dynamodb.AttributeValue) string {
	switch {
	case av == nil:
		return "<nil>"
	case av.S != nil:
		return strconv.Quote(*av.S)
	case av.N != nil:
		return *av.N
	case av.BOOL != nil:
		return strconv.FormatBool(*av.BOOL)
	}
	return av.String()
}
