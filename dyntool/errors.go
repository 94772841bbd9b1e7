// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/service/dynamodb"
)

var (
	// ErrSourceUnavailable is returned when reads from the source table
	// still fail after the retry budget has been spent.
	ErrSourceUnavailable = errors.New("source table unavailable")

	// ErrDestinationUnavailable is returned when writes to the destination
	// table still fail after the retry budget has been spent.
	ErrDestinationUnavailable = errors.New("destination table unavailable")

	// ErrSchemaMismatch is returned by Copy before any write when the
	// destination table's primary key is not compatible with the source.
	ErrSchemaMismatch = errors.New("table key schemas do not match")

	// ErrInvalidFilterSyntax is returned by ParseFilter for malformed
	// filter text.  It is always detected before any table I/O.
	ErrInvalidFilterSyntax = errors.New("invalid filter syntax")
)

// MalformedValueError indicates a value that cannot be converted between
// the DynamoDB attribute model and a flat file format.  During a transfer
// it is normally counted per record rather than aborting the operation.
type MalformedValueError struct {
	Attribute string
	Reason    string
}

func (e *MalformedValueError) Error() string {
	if e.Attribute == "" {
		return fmt.Sprintf("malformed value: %s", e.Reason)
	}
	return fmt.Sprintf("malformed value for attribute %q: %s", e.Attribute, e.Reason)
}

func malformed(attr, format string, a ...interface{}) *MalformedValueError {
	return &MalformedValueError{Attribute: attr, Reason: fmt.Sprintf(format, a...)}
}

// PartialFailureError reports a transfer that ran to completion but left
// some items permanently unwritten.  FailedKeys holds the primary keys of
// the rejected items.
type PartialFailureError struct {
	FailedKeys []map[string]*dynamodb.AttributeValue
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%d items were permanently rejected by the destination", len(e.FailedKeys))
}
