// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/gwatts/flagvals"
	cli "github.com/jawher/mow.cli"

	"github.com/jswan/dyntool/dyntool"
)

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
	tib = 1 << 40
)

func fmtBytes(bytes int64) string {
	switch {
	case bytes < 0:
		return "unknown"
	case bytes < kib:
		return fmt.Sprintf("%d bytes", bytes)
	case bytes < mib:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kib)
	case bytes < gib:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mib)
	case bytes < tib:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gib)
	default:
		return fmt.Sprintf("%.1f TB", float64(bytes)/tib)
	}
}

// readWatcher tracks bytes consumed from a reader, for import progress.
type readWatcher struct {
	io.Reader
	bytesRead int64
}

func newReadWatcher(r io.Reader) *readWatcher {
	return &readWatcher{Reader: r}
}

func (r *readWatcher) Read(p []byte) (n int, err error) {
	n, err = r.Reader.Read(p)
	atomic.AddInt64(&r.bytesRead, int64(n))
	return n, err
}

func (r *readWatcher) BytesRead() int64 {
	return atomic.LoadInt64(&r.bytesRead)
}

func fail(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	cli.Exit(exitFail)
}

// initDynamo builds a DynamoDB client from the ambient AWS environment,
// optionally overriding the region so that copies can span regions.
func initDynamo(region string, maxRetries *flagvals.RangeInt) *dynamodb.DynamoDB {
	// Workaround for https://github.com/aws/aws-sdk-go/issues/1139
	r := &CustomRetryer{
		DefaultRetryer: &client.DefaultRetryer{
			NumMaxRetries: int(maxRetries.Value),
		},
	}

	cfg := aws.NewConfig()
	cfg = request.WithRetryer(cfg, r)
	if region != "" {
		cfg = cfg.WithRegion(region)
	}

	s, err := session.NewSession(cfg)
	if err != nil {
		fail("Failed to create AWS session: %v", err)
	}
	return dynamodb.New(s)
}

type CustomRetryer struct {
	*client.DefaultRetryer
}

func (cr *CustomRetryer) ShouldRetry(r *request.Request) bool {
	// Scan seems to frequently drop connections, which results in a
	// SerializationError; trap and force a retry.
	if r.Error != nil && r.Operation.Name == "Scan" {
		if err, ok := r.Error.(awserr.Error); ok {
			if err.Code() == "SerializationError" {
				return true
			}
		}
	}

	return cr.DefaultRetryer.ShouldRetry(r)
}

// parseFilterFlag parses a --filter value, failing the command before
// any table I/O if the text is malformed.
func parseFilterFlag(text string) *dyntool.Filter {
	f, err := dyntool.ParseFilter(text)
	if err != nil {
		fail("Invalid filter: %v", err)
	}
	return f
}

func parseFormat(name string) dyntool.Format {
	switch strings.ToLower(name) {
	case "json":
		return dyntool.FormatJSON
	case "csv":
		return dyntool.FormatCSV
	default:
		fail("Unknown format %q: must be json or csv", name)
		return dyntool.FormatJSON
	}
}

// formatKey renders an item key as compact JSON for log output.
func formatKey(key map[string]*dynamodb.AttributeValue) string {
	flat, err := dyntool.EncodeFlatItem(key)
	if err != nil {
		return fmt.Sprintf("%v", key)
	}
	data, err := json.Marshal(flat)
	if err != nil {
		return fmt.Sprintf("%v", key)
	}
	return string(data)
}

func splitColumns(s string) []string {
	if s == "" {
		return nil
	}
	cols := strings.Split(s, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols
}

func summaryStats(s *dyntool.Summary) string {
	secs := s.Elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	return fmt.Sprintf("items_read=%d items_written=%d items_failed=%d items_skipped=%d avg_items_sec=%.2f",
		s.ItemsRead, s.ItemsWritten, s.ItemsFailed, s.ItemsSkipped,
		float64(s.ItemsRead)/secs)
}
