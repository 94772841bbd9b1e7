// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package dyntool

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// Format selects the on-disk representation for export and import.
type Format int

const (
	// FormatJSON writes one flattened JSON object per line.
	FormatJSON Format = iota
	// FormatCSV writes a header row followed by one row per item.
	FormatCSV
	// FormatNative writes items in DynamoDB's own JSON representation,
	// preserving exact types for later restore.
	FormatNative
)

// csvHeaderItems bounds the pre-scan used to derive a CSV header when
// the caller does not supply one.
const csvHeaderItems = 1000

// DynTransfer is the full service surface a Transfer may use.  It is
// satisfied by *dynamodb.DynamoDB.
type DynTransfer interface {
	DynScanner
	DynBatchWriter
	DynTableManager
}

// Summary reports the outcome of a completed (or in-progress) operation.
type Summary struct {
	ItemsRead    int64 // items scanned or decoded from input
	ItemsWritten int64 // items confirmed written to the destination
	ItemsFailed  int64 // items permanently rejected by the destination
	ItemsSkipped int64 // items dropped by a filter or malformed records skipped
	BytesRead    int64
	BytesWritten int64
	CapacityUsed float64
	Elapsed      time.Duration
}

// Transfer coordinates a single table-to-table, table-to-file or
// file-to-table operation.  A Transfer is single use; construct a new one
// for each operation.
//
// Items stream from source to destination through a bounded pipeline, so
// memory use is independent of table size.
type Transfer struct {
	Source DynTransfer // service hosting the table being read or mutated
	Dest   DynTransfer // service hosting the table being written; unused for export

	SourceTable string
	DestTable   string

	// Filter restricts which items the operation touches.  It applies to
	// copy, export and truncate.
	Filter           *Filter
	ClientSideFilter bool

	// Columns fixes the CSV export header.  When empty the header is
	// derived from a bounded pre-scan of the table.
	Columns []string

	MaxParallel    int
	MaxItems       int64
	ReadCapacity   float64
	WriteCapacity  float64
	ConsistentRead bool

	// Strict aborts the operation on the first malformed record instead
	// of skipping it.
	Strict bool

	Retry RetryPolicy

	started      time.Time
	itemsSkipped int64 // malformed records skipped, merged into Summary

	mu       sync.Mutex
	fetcher  *Fetcher
	writer   *BatchWriter
	stopped  bool
	stopChan chan struct{}
}

// Copy streams every matching item from the source table into the
// destination table.  The destination must share the source's key schema.
// Failed items are reported through a PartialFailureError without
// aborting the rest of the stream.
func (t *Transfer) Copy() (*Summary, error) {
	t.begin()

	src, err := t.describeSource(t.Source, t.SourceTable)
	if err != nil {
		return t.summary(), err
	}
	dst, err := t.describeDest(t.Dest, t.DestTable)
	if err != nil {
		return t.summary(), err
	}
	if err := src.CheckKeyCompatible(dst); err != nil {
		return t.summary(), err
	}

	w := t.newWriter(t.Dest, t.DestTable, ModePut, dst.KeyAttributes())
	if err := w.Start(); err != nil {
		return t.summary(), err
	}
	err = t.runFetch(t.Source, t.SourceTable, w, nil)
	cerr := w.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		return t.summary(), err
	}
	return t.finish()
}

// Export streams every matching item from the source table to w in the
// requested format.
func (t *Transfer) Export(w io.Writer, format Format) (*Summary, error) {
	t.begin()

	src, err := t.describeSource(t.Source, t.SourceTable)
	if err != nil {
		return t.summary(), err
	}

	var enc ItemWriter
	var closer interface{ Close() error }
	switch format {
	case FormatCSV:
		header := t.Columns
		if len(header) == 0 {
			if header, err = t.scanHeader(src); err != nil {
				return t.summary(), err
			}
		}
		c := NewCSVItemEncoder(w, header)
		enc, closer = c, c
	case FormatNative:
		enc = NewNativeItemEncoder(w)
	default:
		enc = NewJSONItemEncoder(w)
	}

	// The skipper wraps the counter so a dropped row is never counted
	// as written.
	counted := &countingWriter{w: enc}
	if err := t.runFetch(t.Source, t.SourceTable, t.skipMalformed(counted), nil); err != nil {
		return t.summary(), err
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			return t.summary(), err
		}
	}
	s, err := t.finish()
	if s != nil {
		s.ItemsWritten = atomic.LoadInt64(&counted.n)
	}
	return s, err
}

// Import streams items from r into the destination table.  Malformed
// records are skipped and counted unless Strict is set.
func (t *Transfer) Import(r io.Reader, format Format) (*Summary, error) {
	t.begin()

	dst, err := t.describeDest(t.Dest, t.DestTable)
	if err != nil {
		return t.summary(), err
	}

	var dec ItemReader
	switch format {
	case FormatCSV:
		dec = NewCSVItemDecoder(r, dst.TypeHints())
	case FormatNative:
		dec = NewNativeItemDecoder(r)
	default:
		dec = NewJSONItemDecoder(r, dst.TypeHints())
	}

	w := t.newWriter(t.Dest, t.DestTable, ModePut, dst.KeyAttributes())
	if err := w.Start(); err != nil {
		return t.summary(), err
	}
	t.track(nil, w)

	var read int64
LOOP:
	for {
		select {
		case <-t.stopChan:
			break LOOP
		default:
		}
		item, rerr := dec.ReadItem()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			var mv *MalformedValueError
			if errors.As(rerr, &mv) && !t.Strict {
				atomic.AddInt64(&t.itemsSkipped, 1)
				continue
			}
			w.Stop()
			w.Close()
			return t.summary(), rerr
		}
		read++
		if t.MaxItems > 0 && read > t.MaxItems {
			read--
			break
		}
		if werr := w.WriteItem(item); werr != nil {
			if werr == errWriterStopped {
				break
			}
			w.Close()
			return t.summary(), werr
		}
	}
	if err := w.Close(); err != nil {
		return t.summary(), err
	}
	s, err := t.finish()
	if s != nil {
		s.ItemsRead = read
	}
	return s, err
}

// Truncate deletes every matching item from the source table by scanning
// primary keys and issuing batched deletes.  The table itself is left in
// place.
func (t *Transfer) Truncate() (*Summary, error) {
	t.begin()

	src, err := t.describeSource(t.Source, t.SourceTable)
	if err != nil {
		return t.summary(), err
	}

	w := t.newWriter(t.Source, t.SourceTable, ModeDelete, src.KeyAttributes())
	if err := w.Start(); err != nil {
		return t.summary(), err
	}
	// A key-only projection cannot carry filter attributes, so only
	// project down when no filter needs them.
	var keyAttrs []string
	if t.Filter == nil {
		keyAttrs = src.KeyAttributes()
	}
	err = t.runFetch(t.Source, t.SourceTable, w, keyAttrs)
	cerr := w.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		return t.summary(), err
	}
	return t.finish()
}

// Wipe deletes the source table entirely and recreates it empty with the
// same key schema, indexes and throughput.  Much cheaper than Truncate
// for large tables, at the cost of the table briefly not existing.
func (t *Transfer) Wipe() error {
	t.begin()

	src, err := t.describeSource(t.Source, t.SourceTable)
	if err != nil {
		return err
	}
	def := src.Definition()

	if _, err := t.Source.DeleteTable(&dynamodb.DeleteTableInput{
		TableName: aws.String(t.SourceTable),
	}); err != nil {
		return fmt.Errorf("delete of table %s failed: %w", t.SourceTable, err)
	}
	if err := waitForTableGone(t.Source, t.SourceTable, t.stopChan); err != nil {
		return err
	}
	if _, err := t.Source.CreateTable(def); err != nil {
		return fmt.Errorf("recreate of table %s failed: %w", t.SourceTable, err)
	}
	return waitForTableActive(t.Source, t.SourceTable, t.stopChan)
}

// Head returns up to limit items from the source table.
func (t *Transfer) Head(limit int64) ([]map[string]*dynamodb.AttributeValue, error) {
	t.begin()

	if _, err := t.describeSource(t.Source, t.SourceTable); err != nil {
		return nil, err
	}
	buf := &captureWriter{max: limit}
	f := &Fetcher{
		Dyn:              t.Source,
		TableName:        t.SourceTable,
		ConsistentRead:   t.ConsistentRead,
		MaxParallel:      1,
		MaxItems:         limit,
		Writer:           buf,
		Filter:           t.Filter,
		ClientSideFilter: t.ClientSideFilter,
		Retry:            t.Retry,
	}
	t.track(f, nil)
	if err := f.Run(); err != nil && !errors.Is(err, errCaptureFull) {
		return nil, err
	}
	return buf.items, nil
}

// Stats returns a snapshot of progress for an operation in flight.
func (t *Transfer) Stats() Summary {
	t.mu.Lock()
	f, w := t.fetcher, t.writer
	t.mu.Unlock()

	s := Summary{
		ItemsSkipped: atomic.LoadInt64(&t.itemsSkipped),
		Elapsed:      time.Since(t.started),
	}
	if f != nil {
		fs := f.Stats()
		s.ItemsRead = fs.ItemsRead
		s.ItemsSkipped += fs.ItemsSkipped
		s.BytesRead = fs.BytesRead
		s.CapacityUsed += fs.CapacityUsed
	}
	if w != nil {
		ws := w.Stats()
		s.ItemsWritten = ws.ItemsWritten
		s.ItemsFailed = ws.ItemsFailed
		s.BytesWritten = ws.BytesWritten
		s.CapacityUsed += ws.CapacityUsed
	}
	return s
}

// Stop requests a graceful halt.  In-flight requests are allowed to
// complete; the operation then returns with the summary so far.
func (t *Transfer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stopChan)
	if t.fetcher != nil {
		t.fetcher.Stop()
	}
	if t.writer != nil {
		t.writer.Stop()
	}
}

func (t *Transfer) begin() {
	t.started = time.Now()
	t.mu.Lock()
	if t.stopChan == nil {
		t.stopChan = make(chan struct{})
	}
	t.mu.Unlock()
	if t.MaxParallel < 1 {
		t.MaxParallel = 1
	}
}

// track registers the active fetcher and writer so Stats and Stop can
// reach them, honoring a Stop that arrived before they existed.
func (t *Transfer) track(f *Fetcher, w *BatchWriter) {
	t.mu.Lock()
	t.fetcher, t.writer = f, w
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		if f != nil {
			f.Stop()
		}
		if w != nil {
			w.Stop()
		}
	}
}

func (t *Transfer) newWriter(dyn DynTransfer, table string, mode WriteMode, keyAttrs []string) *BatchWriter {
	return &BatchWriter{
		Dyn:           dyn,
		TableName:     table,
		Mode:          mode,
		KeyAttributes: keyAttrs,
		MaxParallel:   t.MaxParallel,
		WriteCapacity: t.WriteCapacity,
		Retry:         t.Retry,
	}
}

func (t *Transfer) runFetch(dyn DynTransfer, table string, w ItemWriter, keyAttrs []string) error {
	f := &Fetcher{
		Dyn:              dyn,
		TableName:        table,
		ConsistentRead:   t.ConsistentRead,
		MaxParallel:      t.MaxParallel,
		MaxItems:         t.MaxItems,
		ReadCapacity:     t.ReadCapacity,
		Writer:           w,
		Filter:           t.Filter,
		ClientSideFilter: t.ClientSideFilter,
		KeyAttributes:    keyAttrs,
		Retry:            t.Retry,
	}
	bw, _ := w.(*BatchWriter)
	t.track(f, bw)
	return f.Run()
}

func (t *Transfer) finish() (*Summary, error) {
	s := t.summary()
	t.mu.Lock()
	w := t.writer
	t.mu.Unlock()
	if w != nil {
		if failed := w.FailedKeys(); len(failed) > 0 {
			return s, &PartialFailureError{FailedKeys: failed}
		}
	}
	return s, nil
}

func (t *Transfer) summary() *Summary {
	s := t.Stats()
	return &s
}

func (t *Transfer) describeSource(dyn DynTransfer, table string) (*TableDescriptor, error) {
	td, err := DescribeTable(dyn, table)
	if err != nil {
		return nil, fmt.Errorf("%w: describe of table %s failed: %v", ErrSourceUnavailable, table, err)
	}
	return td, nil
}

func (t *Transfer) describeDest(dyn DynTransfer, table string) (*TableDescriptor, error) {
	td, err := DescribeTable(dyn, table)
	if err != nil {
		return nil, fmt.Errorf("%w: describe of table %s failed: %v", ErrDestinationUnavailable, table, err)
	}
	return td, nil
}

// scanHeader derives a CSV header by scanning the head of the table and
// taking the union of attribute names, key attributes first.
func (t *Transfer) scanHeader(src *TableDescriptor) ([]string, error) {
	buf := &captureWriter{max: csvHeaderItems}
	f := &Fetcher{
		Dyn:              t.Source,
		TableName:        t.SourceTable,
		MaxParallel:      1,
		MaxItems:         csvHeaderItems,
		Writer:           buf,
		Filter:           t.Filter,
		ClientSideFilter: t.ClientSideFilter,
		Retry:            t.Retry,
	}
	if err := f.Run(); err != nil && !errors.Is(err, errCaptureFull) {
		return nil, err
	}

	seen := make(map[string]bool)
	header := src.KeyAttributes()
	for _, attr := range header {
		seen[attr] = true
	}
	var rest []string
	for _, item := range buf.items {
		for attr := range item {
			if !seen[attr] {
				seen[attr] = true
				rest = append(rest, attr)
			}
		}
	}
	sort.Strings(rest)
	return append(header, rest...), nil
}

// skipMalformed wraps an ItemWriter so that malformed values are counted
// and dropped instead of aborting the stream.  Strict mode disables the
// wrapping.
func (t *Transfer) skipMalformed(w ItemWriter) ItemWriter {
	if t.Strict {
		return w
	}
	return &malformedSkipper{w: w, skipped: &t.itemsSkipped}
}

type malformedSkipper struct {
	w       ItemWriter
	skipped *int64
}

func (m *malformedSkipper) WriteItem(item map[string]*dynamodb.AttributeValue) error {
	err := m.w.WriteItem(item)
	var mv *MalformedValueError
	if errors.As(err, &mv) {
		atomic.AddInt64(m.skipped, 1)
		return nil
	}
	return err
}

type countingWriter struct {
	w ItemWriter
	n int64
}

func (c *countingWriter) WriteItem(item map[string]*dynamodb.AttributeValue) error {
	if err := c.w.WriteItem(item); err != nil {
		return err
	}
	atomic.AddInt64(&c.n, 1)
	return nil
}

var errCaptureFull = errors.New("capture limit reached")

// captureWriter buffers up to max items in memory, used for head and the
// CSV header pre-scan only.
type captureWriter struct {
	mu    sync.Mutex
	max   int64
	items []map[string]*dynamodb.AttributeValue
}

func (c *captureWriter) WriteItem(item map[string]*dynamodb.AttributeValue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int64(len(c.items)) >= c.max {
		return errCaptureFull
	}
	c.items = append(c.items, item)
	return nil
}
