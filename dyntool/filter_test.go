// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

func testItem() map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"status":  {S: aws.String("archived")},
		"retries": {N: aws.String("3")},
		"flagged": {BOOL: aws.Bool(true)},
	}
}

var filterMatchTests = []struct {
	text  string
	match bool
}{
	{`status = archived`, true},
	{`status = "archived"`, true},
	{`status = 'archived'`, true},
	{`status = active`, false},
	{`status != active`, true},
	{`retries = 3`, true},
	{`retries = 3.0`, true}, // numeric comparison
	{`retries != 3`, false},
	{`retries = "3"`, false}, // string never equals number
	{`flagged = true`, true},
	{`flagged = false`, false},
	{`status exists`, true},
	{`ttl exists`, false},
	{`ttl not exists`, true},
	{`status not exists`, false},
	{`status = archived and retries = 3`, true},
	{`status = archived AND retries = 4`, false},
	{`status = archived and ttl not exists and flagged = true`, true},
	{`missing != 1`, false}, // != requires the attribute to be present
}

func TestFilterMatch(t *testing.T) {
	for _, test := range filterMatchTests {
		f, err := ParseFilter(test.text)
		if err != nil {
			t.Errorf("filter=%q unexpected parse error %v", test.text, err)
			continue
		}
		if match := f.Match(testItem()); match != test.match {
			t.Errorf("filter=%q expected=%v actual=%v", test.text, test.match, match)
		}
	}
}

func TestParseFilterEmpty(t *testing.T) {
	f, err := ParseFilter("  ")
	if err != nil {
		t.Fatal("unexpected error", err)
	}
	if f != nil {
		t.Fatal("expected nil filter for blank input", f)
	}
}

var filterSyntaxTests = []string{
	`status =`,
	`= archived`,
	`status ! archived`,
	`status = "unterminated`,
	`status = archived and`,
	`and status = archived`,
	`status maybe archived`,
	`status not here`,
}

// Bad filter text must fail at parse time, before any scan is issued.
func TestParseFilterSyntaxErrors(t *testing.T) {
	for _, text := range filterSyntaxTests {
		_, err := ParseFilter(text)
		if !errors.Is(err, ErrInvalidFilterSyntax) {
			t.Errorf("filter=%q expected syntax error, got %v", text, err)
		}
	}
}

func TestFilterExpression(t *testing.T) {
	f, err := ParseFilter(`status = archived and retries != 3 and ttl not exists and flagged exists`)
	if err != nil {
		t.Fatal("parse", err)
	}
	expr, names, values := f.expression()

	expected := "#f0 = :f0 AND #f1 <> :f1 AND attribute_not_exists(#f2) AND attribute_exists(#f3)"
	if expr != expected {
		t.Errorf("expected=%q actual=%q", expected, expr)
	}
	if aws.StringValue(names["#f0"]) != "status" || aws.StringValue(names["#f2"]) != "ttl" {
		t.Error("incorrect name map", names)
	}
	if aws.StringValue(values[":f0"].S) != "archived" {
		t.Error("incorrect value for :f0", values[":f0"])
	}
	if aws.StringValue(values[":f1"].N) != "3" {
		t.Error("incorrect value for :f1", values[":f1"])
	}
}

// An exists-only filter needs no value placeholders; DynamoDB rejects an
// empty ExpressionAttributeValues map.
func TestFilterExpressionNoValues(t *testing.T) {
	f, err := ParseFilter(`ttl not exists`)
	if err != nil {
		t.Fatal("parse", err)
	}
	_, _, values := f.expression()
	if values != nil {
		t.Error("expected nil values map", values)
	}
}

func TestFilterString(t *testing.T) {
	f, err := ParseFilter(`status = "archived" and retries != 3 and ttl not exists`)
	if err != nil {
		t.Fatal("parse", err)
	}
	expected := `status = "archived" and retries != 3 and ttl not exists`
	if s := f.String(); s != expected {
		t.Errorf("expected=%q actual=%q", expected, s)
	}
}
