// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// fakeDynBatch records batch writes and can bounce items back as
// unprocessed or fail outright.
type fakeDynBatch struct {
	mu      sync.Mutex
	puts    map[string]int // id -> times written
	deletes map[string]int
	calls   int

	maxBatch int // largest batch observed

	// respond, when set, takes over the response entirely.
	respond func(calls int, reqs []*dynamodb.WriteRequest) (*dynamodb.BatchWriteItemOutput, error)
}

func (f *fakeDynBatch) BatchWriteItem(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	var reqs []*dynamodb.WriteRequest
	for _, r := range input.RequestItems {
		reqs = r
	}
	if len(reqs) > f.maxBatch {
		f.maxBatch = len(reqs)
	}
	if len(reqs) > 25 {
		return nil, awserr.New("ValidationException", "too many items in request", nil)
	}

	if f.respond != nil {
		return f.respond(f.calls, reqs)
	}
	f.accept(reqs)
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeDynBatch) accept(reqs []*dynamodb.WriteRequest) {
	if f.puts == nil {
		f.puts = make(map[string]int)
		f.deletes = make(map[string]int)
	}
	for _, req := range reqs {
		switch {
		case req.PutRequest != nil:
			f.puts[aws.StringValue(req.PutRequest.Item["id"].S)]++
		case req.DeleteRequest != nil:
			f.deletes[aws.StringValue(req.DeleteRequest.Key["id"].S)]++
		}
	}
}

func newTestWriter(dyn DynBatchWriter) *BatchWriter {
	return &BatchWriter{
		Dyn:           dyn,
		TableName:     "test-table",
		KeyAttributes: []string{"id"},
		MaxParallel:   2,
		FlushInterval: 5 * time.Millisecond,
		Retry:         RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 4},
	}
}

// Every item submitted must reach the table exactly once, in batches of
// no more than 25.
func TestBatchWriteOK(t *testing.T) {
	dyn := &fakeDynBatch{}
	w := newTestWriter(dyn)
	if err := w.Start(); err != nil {
		t.Fatal("Start", err)
	}

	const n = 103
	for _, item := range makeItems(n) {
		if err := w.WriteItem(item); err != nil {
			t.Fatal("WriteItem", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal("Close", err)
	}

	if len(dyn.puts) != n {
		t.Errorf("expected %d distinct items, got %d", n, len(dyn.puts))
	}
	for id, count := range dyn.puts {
		if count != 1 {
			t.Errorf("item %s written %d times", id, count)
		}
	}
	if dyn.maxBatch > 25 {
		t.Error("batch size exceeded 25:", dyn.maxBatch)
	}
	if stats := w.Stats(); stats.ItemsWritten != n || stats.ItemsFailed != 0 {
		t.Errorf("incorrect stats %+v", stats)
	}
}

// Unprocessed items come back from the service and must be retried until
// the batch settles with zero failures.
func TestBatchWriteUnprocessedRetried(t *testing.T) {
	dyn := &fakeDynBatch{}
	dyn.respond = func(calls int, reqs []*dynamodb.WriteRequest) (*dynamodb.BatchWriteItemOutput, error) {
		// bounce half of every first attempt
		if calls == 1 && len(reqs) > 1 {
			dyn.accept(reqs[:len(reqs)/2])
			return &dynamodb.BatchWriteItemOutput{
				UnprocessedItems: map[string][]*dynamodb.WriteRequest{
					"test-table": reqs[len(reqs)/2:],
				},
			}, nil
		}
		dyn.accept(reqs)
		return &dynamodb.BatchWriteItemOutput{}, nil
	}

	w := newTestWriter(dyn)
	w.MaxParallel = 1
	if err := w.Start(); err != nil {
		t.Fatal("Start", err)
	}
	const n = 20
	for _, item := range makeItems(n) {
		if err := w.WriteItem(item); err != nil {
			t.Fatal("WriteItem", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal("Close", err)
	}

	if len(dyn.puts) != n {
		t.Errorf("expected %d distinct items, got %d", n, len(dyn.puts))
	}
	if stats := w.Stats(); stats.ItemsWritten != n || stats.ItemsFailed != 0 {
		t.Errorf("incorrect stats %+v", stats)
	}
}

// Items the service never accepts are recorded as permanent failures with
// their keys, without aborting the writer.
func TestBatchWritePermanentFailures(t *testing.T) {
	dyn := &fakeDynBatch{}
	dyn.respond = func(calls int, reqs []*dynamodb.WriteRequest) (*dynamodb.BatchWriteItemOutput, error) {
		// item-000 is never accepted
		var accepted, bounced []*dynamodb.WriteRequest
		for _, req := range reqs {
			if aws.StringValue(req.PutRequest.Item["id"].S) == "item-000" {
				bounced = append(bounced, req)
			} else {
				accepted = append(accepted, req)
			}
		}
		dyn.accept(accepted)
		out := &dynamodb.BatchWriteItemOutput{}
		if len(bounced) > 0 {
			out.UnprocessedItems = map[string][]*dynamodb.WriteRequest{"test-table": bounced}
		}
		return out, nil
	}

	w := newTestWriter(dyn)
	if err := w.Start(); err != nil {
		t.Fatal("Start", err)
	}
	const n = 10
	for _, item := range makeItems(n) {
		if err := w.WriteItem(item); err != nil {
			t.Fatal("WriteItem", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal("Close", err)
	}

	if stats := w.Stats(); stats.ItemsWritten != n-1 || stats.ItemsFailed != 1 {
		t.Errorf("incorrect stats %+v", stats)
	}
	failed := w.FailedKeys()
	if len(failed) != 1 {
		t.Fatal("expected one failed key", failed)
	}
	if id := aws.StringValue(failed[0]["id"].S); id != "item-000" {
		t.Error("incorrect failed key", failed[0])
	}
	// failed keys carry only the primary key, not the whole item
	if len(failed[0]) != 1 {
		t.Error("failed key not projected", failed[0])
	}
}

// A non-transient service error aborts the writer and surfaces from
// WriteItem or Close.
func TestBatchWritePermanentError(t *testing.T) {
	dyn := &fakeDynBatch{}
	dyn.respond = func(calls int, reqs []*dynamodb.WriteRequest) (*dynamodb.BatchWriteItemOutput, error) {
		return nil, awserr.New("ValidationException", "bad item", nil)
	}

	w := newTestWriter(dyn)
	if err := w.Start(); err != nil {
		t.Fatal("Start", err)
	}
	var werr error
	for _, item := range makeItems(30) {
		if werr = w.WriteItem(item); werr != nil {
			break
		}
	}
	cerr := w.Close()
	if werr == nil && cerr == nil {
		t.Fatal("expected an error from WriteItem or Close")
	}
}

// Persistent throttling exhausts the retry budget and reports the
// destination as unavailable.
func TestBatchWriteDestinationUnavailable(t *testing.T) {
	dyn := &fakeDynBatch{}
	dyn.respond = func(calls int, reqs []*dynamodb.WriteRequest) (*dynamodb.BatchWriteItemOutput, error) {
		return nil, awserr.New("ProvisionedThroughputExceededException", "throttled", nil)
	}

	w := newTestWriter(dyn)
	if err := w.Start(); err != nil {
		t.Fatal("Start", err)
	}
	for _, item := range makeItems(5) {
		if err := w.WriteItem(item); err != nil {
			break
		}
	}
	err := w.Close()
	if !errors.Is(err, ErrDestinationUnavailable) {
		t.Error("expected ErrDestinationUnavailable, got", err)
	}
}

// Delete mode projects each item down to its key and issues
// DeleteRequests.
func TestBatchWriteDeleteMode(t *testing.T) {
	dyn := &fakeDynBatch{}
	w := newTestWriter(dyn)
	w.Mode = ModeDelete
	if err := w.Start(); err != nil {
		t.Fatal("Start", err)
	}
	const n = 30
	for _, item := range makeItems(n) {
		if err := w.WriteItem(item); err != nil {
			t.Fatal("WriteItem", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal("Close", err)
	}

	if len(dyn.deletes) != n {
		t.Errorf("expected %d deletes, got %d", n, len(dyn.deletes))
	}
	if len(dyn.puts) != 0 {
		t.Error("unexpected puts in delete mode", dyn.puts)
	}
}

// Delete mode requires the key attributes up front.
func TestBatchWriteDeleteNeedsKeys(t *testing.T) {
	w := &BatchWriter{Dyn: &fakeDynBatch{}, TableName: "t", Mode: ModeDelete}
	if err := w.Start(); err == nil {
		t.Error("expected Start to fail without key attributes")
	}
}
