// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	microbatch "github.com/joeycumines/go-microbatch"
	"github.com/juju/ratelimit"
)

const (
	// Service limits for a single BatchWriteItem request.
	maxBatchItems = 25
	maxBatchBytes = 16 << 20
)

var errWriterStopped = errors.New("batch writer stopped")

// WriteMode selects whether a BatchWriter issues puts or deletes.
type WriteMode int

const (
	ModePut WriteMode = iota
	ModeDelete
)

// WriterStats are returned by BatchWriter.Stats.
type WriterStats struct {
	ItemsWritten int64
	ItemsFailed  int64 // items permanently rejected after all retry rounds
	BytesWritten int64
	CapacityUsed float64
}

// DynBatchWriter defines the portion of the dynamodb service that
// BatchWriter requires.
type DynBatchWriter interface {
	BatchWriteItem(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)
}

// BatchWriter accepts items through the ItemWriter interface and writes
// them to a DynamoDB table in batches of up to 25 requests.  Items the
// service reports as unprocessed (throttled) are retried at the same
// batch boundary with exponential backoff; items still rejected once the
// retry rounds are spent are recorded as permanent failures without
// aborting the rest of the stream.  Delivery is at least once: puts are
// idempotent by primary key and a retried delete of an already-deleted
// item succeeds.
//
// Call Start before the first WriteItem and Close after the last to
// flush the final partial batch.
type BatchWriter struct {
	Dyn           DynBatchWriter
	TableName     string
	Mode          WriteMode
	KeyAttributes []string // primary key attribute names; required for ModeDelete
	MaxParallel   int      // maximum concurrent batch submissions
	WriteCapacity float64  // average write capacity to consume, 0 for unlimited
	FlushInterval time.Duration
	Retry         RetryPolicy

	retry       RetryPolicy
	batcher     *microbatch.Batcher[*writeJob]
	pending     chan *microbatch.JobResult[*writeJob]
	collectDone chan struct{}
	rateLimit   *ratelimit.Bucket
	stopNotify  chan struct{}
	stopOnce    sync.Once

	itemsWritten int64
	itemsFailed  int64
	bytesWritten int64
	capacityUsed int64 // multiplied by 10

	mu       sync.Mutex
	firstErr error
	failed   []map[string]*dynamodb.AttributeValue
}

type writeJob struct {
	item map[string]*dynamodb.AttributeValue
}

// Start prepares the writer for use.
func (w *BatchWriter) Start() error {
	if w.TableName == "" {
		return errors.New("BatchWriter requires a table name")
	}
	if w.Mode == ModeDelete && len(w.KeyAttributes) == 0 {
		return errors.New("BatchWriter requires key attributes for delete mode")
	}
	if w.MaxParallel < 1 {
		w.MaxParallel = 1
	}
	w.retry = w.Retry.withDefaults()
	if w.WriteCapacity > 0 {
		w.rateLimit = ratelimit.NewBucketWithQuantum(time.Second, int64(w.WriteCapacity), int64(w.WriteCapacity))
	}
	flush := w.FlushInterval
	if flush <= 0 {
		flush = 100 * time.Millisecond
	}

	w.stopNotify = make(chan struct{})
	w.pending = make(chan *microbatch.JobResult[*writeJob], 4*maxBatchItems)
	w.collectDone = make(chan struct{})
	w.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        maxBatchItems,
		FlushInterval:  flush,
		MaxConcurrency: w.MaxParallel,
	}, w.processBatch)
	go w.collect()
	return nil
}

// WriteItem implements ItemWriter.  It blocks when too many writes are in
// flight, providing backpressure to the upstream Fetcher.
func (w *BatchWriter) WriteItem(item map[string]*dynamodb.AttributeValue) error {
	if err := w.loadErr(); err != nil {
		return err
	}
	if w.Mode == ModeDelete {
		item = projectKey(item, w.KeyAttributes)
	}

	res, err := w.batcher.Submit(context.Background(), &writeJob{item: item})
	if err != nil {
		if werr := w.loadErr(); werr != nil {
			return werr
		}
		return err
	}

	select {
	case w.pending <- res:
		return nil
	case <-w.stopNotify:
		return errWriterStopped
	}
}

// Close flushes the final partial batch and waits for all submitted
// writes to settle.  It returns the first aborting error encountered, if
// any; per-item permanent failures are reported via Stats and FailedKeys
// instead.
func (w *BatchWriter) Close() error {
	err := w.batcher.Shutdown(context.Background())
	close(w.pending)
	<-w.collectDone
	if err == nil {
		err = w.loadErr()
	}
	return err
}

// Stop requests a clean shutdown: in-flight batch requests complete, but
// no further retries or submissions are made.  Items not yet written are
// recorded as failed.  Safe to call from any goroutine after Start.
func (w *BatchWriter) Stop() {
	w.stopOnce.Do(func() { close(w.stopNotify) })
}

// Stats returns current aggregate statistics.  It is safe to call from
// concurrent goroutines.
func (w *BatchWriter) Stats() WriterStats {
	return WriterStats{
		ItemsWritten: atomic.LoadInt64(&w.itemsWritten),
		ItemsFailed:  atomic.LoadInt64(&w.itemsFailed),
		BytesWritten: atomic.LoadInt64(&w.bytesWritten),
		CapacityUsed: float64(atomic.LoadInt64(&w.capacityUsed)) / 10,
	}
}

// FailedKeys returns the primary keys of items that were permanently
// rejected.  Call after Close.
func (w *BatchWriter) FailedKeys() []map[string]*dynamodb.AttributeValue {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *BatchWriter) collect() {
	defer close(w.collectDone)
	for res := range w.pending {
		if err := res.Wait(context.Background()); err != nil {
			w.setErr(err)
		}
	}
}

func (w *BatchWriter) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.firstErr == nil {
		w.firstErr = err
	}
}

func (w *BatchWriter) loadErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstErr
}

// processBatch is invoked by the batcher with up to maxBatchItems jobs.
// Oversized batches are split so no single request exceeds the byte cap.
func (w *BatchWriter) processBatch(ctx context.Context, jobs []*writeJob) error {
	var chunk []*writeJob
	var chunkBytes int64
	for _, job := range jobs {
		size := int64(calcItemSize(job.item))
		if len(chunk) > 0 && chunkBytes+size > maxBatchBytes {
			if err := w.submit(ctx, chunk, chunkBytes); err != nil {
				return err
			}
			chunk, chunkBytes = nil, 0
		}
		chunk = append(chunk, job)
		chunkBytes += size
	}
	if len(chunk) == 0 {
		return nil
	}
	return w.submit(ctx, chunk, chunkBytes)
}

func (w *BatchWriter) submit(ctx context.Context, jobs []*writeJob, totalBytes int64) error {
	remaining := make([]*dynamodb.WriteRequest, 0, len(jobs))
	for _, job := range jobs {
		if w.Mode == ModeDelete {
			remaining = append(remaining, &dynamodb.WriteRequest{
				DeleteRequest: &dynamodb.DeleteRequest{Key: job.item},
			})
		} else {
			remaining = append(remaining, &dynamodb.WriteRequest{
				PutRequest: &dynamodb.PutRequest{Item: job.item},
			})
		}
	}
	remainingBytes := totalBytes

	for round := 0; ; round++ {
		if w.rateLimit != nil {
			if stopped := w.waitForRateLimit(ctx, remainingBytes/1000+1); stopped {
				w.recordFailures(remaining)
				return nil
			}
		}

		out, err := w.Dyn.BatchWriteItem(&dynamodb.BatchWriteItemInput{
			RequestItems:           map[string][]*dynamodb.WriteRequest{w.TableName: remaining},
			ReturnConsumedCapacity: aws.String("TOTAL"),
		})
		if err != nil {
			if !isTransient(err) {
				return fmt.Errorf("write to DynamoDB failed: %w", err)
			}
			if round+1 >= w.retry.MaxAttempts {
				return fmt.Errorf("%w: %v", ErrDestinationUnavailable, err)
			}
			if stopped := w.sleep(ctx, w.retry.delay(round)); stopped {
				w.recordFailures(remaining)
				return nil
			}
			continue
		}

		for _, cc := range out.ConsumedCapacity {
			atomic.AddInt64(&w.capacityUsed, int64(consumedUnits(cc)*10))
		}

		unprocessed := out.UnprocessedItems[w.TableName]
		var unBytes int64
		for _, req := range unprocessed {
			unBytes += int64(requestSize(req))
		}
		atomic.AddInt64(&w.itemsWritten, int64(len(remaining)-len(unprocessed)))
		atomic.AddInt64(&w.bytesWritten, remainingBytes-unBytes)

		if len(unprocessed) == 0 {
			return nil
		}
		if round+1 >= w.retry.MaxAttempts {
			// retry rounds spent: record and move on
			w.recordFailures(unprocessed)
			return nil
		}
		remaining, remainingBytes = unprocessed, unBytes
		if stopped := w.sleep(ctx, w.retry.delay(round)); stopped {
			w.recordFailures(remaining)
			return nil
		}
	}
}

func (w *BatchWriter) waitForRateLimit(ctx context.Context, usedCapacity int64) (stopped bool) {
	d := w.rateLimit.Take(usedCapacity)
	if d > 0 {
		return w.sleep(ctx, d)
	}
	return false
}

func (w *BatchWriter) sleep(ctx context.Context, d time.Duration) (stopped bool) {
	select {
	case <-time.After(d):
		return false
	case <-ctx.Done():
		return true
	case <-w.stopNotify:
		return true
	}
}

func (w *BatchWriter) recordFailures(reqs []*dynamodb.WriteRequest) {
	atomic.AddInt64(&w.itemsFailed, int64(len(reqs)))

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, req := range reqs {
		switch {
		case req.DeleteRequest != nil:
			w.failed = append(w.failed, req.DeleteRequest.Key)
		case req.PutRequest != nil:
			if len(w.KeyAttributes) > 0 {
				w.failed = append(w.failed, projectKey(req.PutRequest.Item, w.KeyAttributes))
			} else {
				w.failed = append(w.failed, req.PutRequest.Item)
			}
		}
	}
}

func projectKey(item map[string]*dynamodb.AttributeValue, keyAttrs []string) map[string]*dynamodb.AttributeValue {
	key := make(map[string]*dynamodb.AttributeValue, len(keyAttrs))
	for _, attr := range keyAttrs {
		if av, ok := item[attr]; ok {
			key[attr] = av
		}
	}
	return key
}
