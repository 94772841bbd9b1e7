// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"errors"
	"reflect"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

func rangeTableDesc() *dynamodb.TableDescription {
	return &dynamodb.TableDescription{
		TableName:      aws.String("events"),
		TableStatus:    aws.String("ACTIVE"),
		ItemCount:      aws.Int64(100),
		TableSizeBytes: aws.Int64(4096),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("user"), AttributeType: aws.String("S")},
			{AttributeName: aws.String("ts"), AttributeType: aws.String("N")},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("user"), KeyType: aws.String("HASH")},
			{AttributeName: aws.String("ts"), KeyType: aws.String("RANGE")},
		},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughputDescription{
			ReadCapacityUnits:  aws.Int64(10),
			WriteCapacityUnits: aws.Int64(5),
		},
	}
}

func TestTableDescriptor(t *testing.T) {
	td := newTableDescriptor(rangeTableDesc())
	if td.Name != "events" || td.HashKey != "user" || td.RangeKey != "ts" {
		t.Errorf("incorrect descriptor %+v", td)
	}
	if !reflect.DeepEqual(td.KeyAttributes(), []string{"user", "ts"}) {
		t.Error("incorrect key attributes", td.KeyAttributes())
	}
	hints := td.TypeHints()
	if hints["user"] != "S" || hints["ts"] != "N" {
		t.Error("incorrect type hints", hints)
	}
	if td.ReadCapacity != 10 || td.WriteCapacity != 5 {
		t.Errorf("incorrect throughput %+v", td)
	}
	if td.BillingMode != dynamodb.BillingModeProvisioned {
		t.Error("incorrect billing mode", td.BillingMode)
	}
}

func TestCheckKeyCompatible(t *testing.T) {
	a := newTableDescriptor(rangeTableDesc())
	b := newTableDescriptor(rangeTableDesc())
	if err := a.CheckKeyCompatible(b); err != nil {
		t.Error("identical schemas reported incompatible", err)
	}

	// different key name
	desc := rangeTableDesc()
	desc.KeySchema[0].AttributeName = aws.String("account")
	desc.AttributeDefinitions[0].AttributeName = aws.String("account")
	c := newTableDescriptor(desc)
	if err := a.CheckKeyCompatible(c); !errors.Is(err, ErrSchemaMismatch) {
		t.Error("expected ErrSchemaMismatch, got", err)
	}

	// same names, different key type
	desc = rangeTableDesc()
	desc.AttributeDefinitions[1].AttributeType = aws.String("S")
	d := newTableDescriptor(desc)
	if err := a.CheckKeyCompatible(d); !errors.Is(err, ErrSchemaMismatch) {
		t.Error("expected ErrSchemaMismatch, got", err)
	}
}

func TestTableDefinition(t *testing.T) {
	desc := rangeTableDesc()
	desc.GlobalSecondaryIndexes = []*dynamodb.GlobalSecondaryIndexDescription{{
		IndexName: aws.String("by-ts"),
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("ts"), KeyType: aws.String("HASH")},
		},
		Projection: &dynamodb.Projection{ProjectionType: aws.String("ALL")},
		ProvisionedThroughput: &dynamodb.ProvisionedThroughputDescription{
			ReadCapacityUnits:  aws.Int64(2),
			WriteCapacityUnits: aws.Int64(2),
		},
	}}
	td := newTableDescriptor(desc)

	def := td.Definition()
	if aws.StringValue(def.TableName) != "events" {
		t.Error("incorrect table name", def.TableName)
	}
	if def.ProvisionedThroughput == nil ||
		aws.Int64Value(def.ProvisionedThroughput.ReadCapacityUnits) != 10 {
		t.Error("throughput not carried over", def.ProvisionedThroughput)
	}
	if len(def.GlobalSecondaryIndexes) != 1 {
		t.Fatal("GSI not carried over")
	}
	gsi := def.GlobalSecondaryIndexes[0]
	if aws.StringValue(gsi.IndexName) != "by-ts" || gsi.ProvisionedThroughput == nil {
		t.Errorf("incorrect GSI %+v", gsi)
	}
}

func TestTableDefinitionOnDemand(t *testing.T) {
	desc := rangeTableDesc()
	desc.BillingModeSummary = &dynamodb.BillingModeSummary{
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
	}
	td := newTableDescriptor(desc)

	def := td.Definition()
	if aws.StringValue(def.BillingMode) != dynamodb.BillingModePayPerRequest {
		t.Error("billing mode not carried over", def.BillingMode)
	}
	if def.ProvisionedThroughput != nil {
		t.Error("on-demand table must not carry provisioned throughput")
	}
}

func TestListTableNames(t *testing.T) {
	dyn := newFakeDynamo(5)
	for _, name := range []string{"alpha", "beta", "gamma", "delta", "epsilon"} {
		dyn.addTable(name, "id")
	}
	names, err := ListTableNames(dyn)
	if err != nil {
		t.Fatal("ListTableNames", err)
	}
	expected := []string{"alpha", "beta", "delta", "epsilon", "gamma"}
	if !reflect.DeepEqual(names, expected) {
		t.Errorf("expected=%v actual=%v", expected, names)
	}
}
