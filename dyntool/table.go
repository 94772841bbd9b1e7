// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// DynDescriber defines the portion of the dynamodb service needed to
// fetch table metadata.
type DynDescriber interface {
	DescribeTable(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error)
}

// DynTableManager extends DynDescriber with the calls used by list and
// wipe operations.
type DynTableManager interface {
	DynDescriber
	CreateTable(input *dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error)
	DeleteTable(input *dynamodb.DeleteTableInput) (*dynamodb.DeleteTableOutput, error)
	ListTables(input *dynamodb.ListTablesInput) (*dynamodb.ListTablesOutput, error)
}

// TableDescriptor is a read-only snapshot of a table's metadata, fetched
// once per operation.
type TableDescriptor struct {
	Name           string
	HashKey        string
	RangeKey       string // empty for hash-only tables
	AttributeTypes map[string]string
	ItemCount      int64
	SizeBytes      int64
	Status         string
	BillingMode    string
	ReadCapacity   int64
	WriteCapacity  int64

	raw *dynamodb.TableDescription
}

// DescribeTable fetches a table's descriptor.
func DescribeTable(dyn DynDescriber, name string) (*TableDescriptor, error) {
	resp, err := dyn.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err != nil {
		return nil, err
	}
	return newTableDescriptor(resp.Table), nil
}

func newTableDescriptor(t *dynamodb.TableDescription) *TableDescriptor {
	td := &TableDescriptor{
		Name:           aws.StringValue(t.TableName),
		AttributeTypes: make(map[string]string),
		ItemCount:      aws.Int64Value(t.ItemCount),
		SizeBytes:      aws.Int64Value(t.TableSizeBytes),
		Status:         aws.StringValue(t.TableStatus),
		BillingMode:    dynamodb.BillingModeProvisioned,
		raw:            t,
	}
	for _, ad := range t.AttributeDefinitions {
		td.AttributeTypes[aws.StringValue(ad.AttributeName)] = aws.StringValue(ad.AttributeType)
	}
	for _, ks := range t.KeySchema {
		switch aws.StringValue(ks.KeyType) {
		case dynamodb.KeyTypeHash:
			td.HashKey = aws.StringValue(ks.AttributeName)
		case dynamodb.KeyTypeRange:
			td.RangeKey = aws.StringValue(ks.AttributeName)
		}
	}
	if t.BillingModeSummary != nil && aws.StringValue(t.BillingModeSummary.BillingMode) != "" {
		td.BillingMode = aws.StringValue(t.BillingModeSummary.BillingMode)
	}
	if t.ProvisionedThroughput != nil {
		td.ReadCapacity = aws.Int64Value(t.ProvisionedThroughput.ReadCapacityUnits)
		td.WriteCapacity = aws.Int64Value(t.ProvisionedThroughput.WriteCapacityUnits)
	}
	return td
}

// KeyAttributes returns the primary key attribute names, hash key first.
func (td *TableDescriptor) KeyAttributes() []string {
	attrs := []string{td.HashKey}
	if td.RangeKey != "" {
		attrs = append(attrs, td.RangeKey)
	}
	return attrs
}

// TypeHints returns the declared attribute types, used by decoders to
// resolve scalar ambiguities.
func (td *TableDescriptor) TypeHints() map[string]string {
	hints := make(map[string]string, len(td.AttributeTypes))
	for k, v := range td.AttributeTypes {
		hints[k] = v
	}
	return hints
}

// CheckKeyCompatible verifies that an item keyed for td can be written to
// dest, failing with ErrSchemaMismatch otherwise.
func (td *TableDescriptor) CheckKeyCompatible(dest *TableDescriptor) error {
	if td.HashKey != dest.HashKey || td.RangeKey != dest.RangeKey {
		return fmt.Errorf("%w: %s is keyed on (%s) but %s is keyed on (%s)",
			ErrSchemaMismatch, td.Name, keyDesc(td), dest.Name, keyDesc(dest))
	}
	for _, attr := range td.KeyAttributes() {
		if td.AttributeTypes[attr] != dest.AttributeTypes[attr] {
			return fmt.Errorf("%w: key attribute %q is type %s in %s but type %s in %s",
				ErrSchemaMismatch, attr, td.AttributeTypes[attr], td.Name,
				dest.AttributeTypes[attr], dest.Name)
		}
	}
	return nil
}

func keyDesc(td *TableDescriptor) string {
	if td.RangeKey != "" {
		return td.HashKey + ", " + td.RangeKey
	}
	return td.HashKey
}

// Definition extracts a CreateTableInput sufficient to recreate the
// table: key schema, attribute definitions, throughput, secondary
// indexes and stream configuration.  Used by wipe.
func (td *TableDescriptor) Definition() *dynamodb.CreateTableInput {
	t := td.raw
	in := &dynamodb.CreateTableInput{
		TableName:            t.TableName,
		AttributeDefinitions: t.AttributeDefinitions,
		KeySchema:            t.KeySchema,
	}

	if td.BillingMode == dynamodb.BillingModePayPerRequest {
		in.BillingMode = aws.String(dynamodb.BillingModePayPerRequest)
	} else if t.ProvisionedThroughput != nil {
		in.ProvisionedThroughput = &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  t.ProvisionedThroughput.ReadCapacityUnits,
			WriteCapacityUnits: t.ProvisionedThroughput.WriteCapacityUnits,
		}
	}

	for _, lsi := range t.LocalSecondaryIndexes {
		in.LocalSecondaryIndexes = append(in.LocalSecondaryIndexes, &dynamodb.LocalSecondaryIndex{
			IndexName:  lsi.IndexName,
			KeySchema:  lsi.KeySchema,
			Projection: lsi.Projection,
		})
	}
	for _, gsi := range t.GlobalSecondaryIndexes {
		g := &dynamodb.GlobalSecondaryIndex{
			IndexName:  gsi.IndexName,
			KeySchema:  gsi.KeySchema,
			Projection: gsi.Projection,
		}
		if in.BillingMode == nil && gsi.ProvisionedThroughput != nil {
			g.ProvisionedThroughput = &dynamodb.ProvisionedThroughput{
				ReadCapacityUnits:  gsi.ProvisionedThroughput.ReadCapacityUnits,
				WriteCapacityUnits: gsi.ProvisionedThroughput.WriteCapacityUnits,
			}
		}
		in.GlobalSecondaryIndexes = append(in.GlobalSecondaryIndexes, g)
	}
	if t.StreamSpecification != nil {
		in.StreamSpecification = t.StreamSpecification
	}
	return in
}

// ListTableNames returns the names of every table, following list
// pagination to the end.
func ListTableNames(dyn DynTableManager) ([]string, error) {
	var names []string
	input := &dynamodb.ListTablesInput{}
	for {
		resp, err := dyn.ListTables(input)
		if err != nil {
			return nil, err
		}
		names = append(names, aws.StringValueSlice(resp.TableNames)...)
		if resp.LastEvaluatedTableName == nil {
			return names, nil
		}
		input.ExclusiveStartTableName = resp.LastEvaluatedTableName
	}
}

const (
	tableWaitInterval = 500 * time.Millisecond
	tableWaitAttempts = 240 // two minutes
)

// waitForTableActive polls until the table reports ACTIVE.
func waitForTableActive(dyn DynDescriber, name string, stop <-chan struct{}) error {
	for i := 0; i < tableWaitAttempts; i++ {
		td, err := DescribeTable(dyn, name)
		if err == nil && td.Status == dynamodb.TableStatusActive {
			return nil
		}
		if err != nil && !isTableMissing(err) {
			return err
		}
		select {
		case <-time.After(tableWaitInterval):
		case <-stop:
			return errFetchStopped
		}
	}
	return fmt.Errorf("table %s did not become active", name)
}

// waitForTableGone polls until the table no longer exists.
func waitForTableGone(dyn DynDescriber, name string, stop <-chan struct{}) error {
	for i := 0; i < tableWaitAttempts; i++ {
		_, err := DescribeTable(dyn, name)
		if isTableMissing(err) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-time.After(tableWaitInterval):
		case <-stop:
			return errFetchStopped
		}
	}
	return fmt.Errorf("table %s was not removed", name)
}

func isTableMissing(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == dynamodb.ErrCodeResourceNotFoundException
	}
	return false
}
