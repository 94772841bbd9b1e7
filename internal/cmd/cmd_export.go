// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/gwatts/flagvals"
	cli "github.com/jawher/mow.cli"

	"github.com/jswan/dyntool/dyntool"
)

func RegisterExportCommand(app *cli.Cli) {
	app.Command("export", "Export a table to a JSON or CSV file", func(cmd *cli.Cmd) {
		cmd.Spec = "[-cmpr] [--format] [--columns] [--filter [--client-filter]] " +
			"[--region] (--filename | --stdout) TABLENAME"
		action := newExporter(cmd, dyntool.FormatJSON)
		action.format = cmd.String(cli.StringOpt{
			Name:   "format",
			Value:  "json",
			Desc:   "Output format.  One of json or csv",
			EnvVar: "FORMAT",
		})
		action.columns = cmd.String(cli.StringOpt{
			Name:  "columns",
			Value: "",
			Desc:  "Comma separated column list to fix the CSV header; derived from the table when unset",
		})
		cmd.Action = actionRunner(cmd, action)
	})
}

func RegisterBackupCommand(app *cli.Cli) {
	app.Command("backup", "Export a table losslessly for later restore", func(cmd *cli.Cmd) {
		cmd.Spec = "[-cmpr] [--filter [--client-filter]] " +
			"[--region] (--filename | --stdout) TABLENAME"
		action := newExporter(cmd, dyntool.FormatNative)
		cmd.Action = actionRunner(cmd, action)
	})
}

// newExporter wires the options shared by export and backup.
func newExporter(cmd *cli.Cmd, fixedFormat dyntool.Format) *exporter {
	action := &exporter{
		fixedFormat: fixedFormat,
		tableName: cmd.StringArg("TABLENAME", "",
			"Table name to export from Dynamo"),
		consistentRead: cmd.Bool(cli.BoolOpt{
			Name:   "c consistent-read",
			Value:  false,
			Desc:   "Enable consistent reads (at 2x capacity use)",
			EnvVar: "USE_CONSISTENT",
		}),
		filename: cmd.String(cli.StringOpt{
			Name:   "f filename",
			Value:  "",
			Desc:   "Filename to write data to",
			EnvVar: "FILENAME",
		}),
		stdout: cmd.Bool(cli.BoolOpt{
			Name:   "stdout",
			Value:  false,
			Desc:   "If true then send the output to stdout",
			EnvVar: "USE_STDOUT",
		}),
		filterText: cmd.String(cli.StringOpt{
			Name:  "filter",
			Value: "",
			Desc:  `Only export items matching a filter (eg. "status = archived and ttl exists")`,
		}),
		clientFilter: cmd.Bool(cli.BoolOpt{
			Name:  "client-filter",
			Value: false,
			Desc:  "Evaluate the filter locally instead of in DynamoDB",
		}),
		region: cmd.String(cli.StringOpt{
			Name:   "region",
			Value:  "",
			Desc:   "AWS region; defaults to the environment's region",
			EnvVar: "AWS_REGION",
		}),

		maxRetries:   flagvals.GTEInt(awsMaxRetries, 0),
		maxItems:     flagvals.GTEInt(0, 0),
		parallel:     flagvals.BetweenInt(5, 1, maxParallel),
		readCapacity: flagvals.GTEInt(5, 1),
	}

	cmd.Var(cli.VarOpt{
		Name:   "m maxitems",
		Value:  action.maxItems,
		Desc:   "Maximum number of items to export.  Set to 0 to process all items in the table",
		EnvVar: "MAXITEMS",
	})
	cmd.Var(cli.VarOpt{
		Name:   "p parallel",
		Value:  action.parallel,
		Desc:   "Number of concurrent channels to open to DynamoDB",
		EnvVar: "MAX_PARALLEL",
	})
	cmd.Var(cli.VarOpt{
		Name:   "r read-capacity",
		Value:  action.readCapacity,
		Desc:   "Average aggregate read capacity to use for scan (set to 0 for unlimited)",
		EnvVar: "READ_CAPACITY",
	})
	cmd.Var(cli.VarOpt{
		Name:   "max-retries",
		Value:  action.maxRetries,
		Desc:   "Maximum number of retry attempts to make with AWS services before failing",
		EnvVar: "AWS_MAX_RETRIES",
	})
	return action
}

type exporter struct {
	tr          *dyntool.Transfer
	abortChan   chan struct{}
	tableInfo   *dyntool.TableDescriptor
	fixedFormat dyntool.Format
	startTime   time.Time

	// options
	tableName      *string
	consistentRead *bool
	filename       *string
	stdout         *bool
	format         *string
	columns        *string
	filterText     *string
	clientFilter   *bool
	region         *string
	maxItems       *flagvals.RangeInt
	parallel       *flagvals.RangeInt
	readCapacity   *flagvals.RangeInt
	maxRetries     *flagvals.RangeInt
}

func (e *exporter) outputFormat() dyntool.Format {
	if e.format == nil {
		return e.fixedFormat
	}
	return parseFormat(*e.format)
}

func (e *exporter) openWriter() (io.WriteCloser, string, error) {
	if *e.stdout {
		return os.Stdout, "stdout", nil
	}
	f, err := os.Create(*e.filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open file for write: %v", err)
	}
	return f, fmt.Sprintf("file://%s", *e.filename), nil
}

func (e *exporter) init() error {
	var columns []string
	if e.columns != nil {
		columns = splitColumns(*e.columns)
	}
	e.tr = &dyntool.Transfer{
		Source:           initDynamo(*e.region, e.maxRetries),
		SourceTable:      *e.tableName,
		Filter:           parseFilterFlag(*e.filterText),
		ClientSideFilter: *e.clientFilter,
		Columns:          columns,
		MaxParallel:      int(e.parallel.Value),
		MaxItems:         e.maxItems.Value,
		ReadCapacity:     float64(e.readCapacity.Value),
		ConsistentRead:   *e.consistentRead,
	}

	info, err := dyntool.DescribeTable(e.tr.Source, *e.tableName)
	if err != nil {
		return fmt.Errorf("failed to describe table %s: %v", *e.tableName, err)
	}
	e.tableInfo = info
	return nil
}

func (e *exporter) start(termWriter io.Writer, logger *log.Logger) (done chan error, err error) {
	out, target, err := e.openWriter()
	if err != nil {
		logger.Print(err.Error())
		fail("%s", err)
	}

	status := fmt.Sprintf("Beginning export: table=%q readCapacity=%d "+
		"parallel=%d itemCount=%d totalSize=%s target=%s",
		*e.tableName, e.readCapacity.Value, e.parallel.Value,
		e.tableInfo.ItemCount, fmtBytes(e.tableInfo.SizeBytes), target)

	fmt.Fprintln(termWriter, status)
	logger.Println(status)

	done = make(chan error, 1)
	e.abortChan = make(chan struct{}, 1)
	e.startTime = time.Now()

	go func() {
		rerr := make(chan error, 1)
		go func() {
			_, err := e.tr.Export(out, e.outputFormat())
			rerr <- err
		}()

		select {
		case <-e.abortChan:
			logger.Printf("Aborting table export table=%s", *e.tableName)
			e.tr.Stop()
			<-rerr
			if out != os.Stdout {
				out.Close()
			}
			logger.Printf("Export abort completed table=%s", *e.tableName)
			done <- errors.New("Aborted")

		case err := <-rerr:
			if out != os.Stdout {
				if cerr := out.Close(); err == nil {
					err = cerr
				}
			}
			if err != nil {
				logger.Printf("Export failed table=%s error=%v", *e.tableName, err)
			} else {
				logger.Printf("Export completed OK table=%s", *e.tableName)
			}
			done <- err
		}
		logger.Println("Final export stats", e.formatStats())
	}()

	return done, nil
}

func (e *exporter) formatStats() string {
	stats := e.tr.Stats()
	stats.Elapsed = time.Since(e.startTime)
	return fmt.Sprintf("table=%s %s", *e.tableName, summaryStats(&stats))
}

func (e *exporter) newProgressBar() *pb.ProgressBar {
	bar := pb.New64(e.tableInfo.SizeBytes)
	bar.ShowSpeed = true
	bar.SetUnits(pb.U_BYTES)
	return bar
}

func (e *exporter) updateProgress(bar *pb.ProgressBar) {
	bar.Set64(e.tr.Stats().BytesRead)
}

func (e *exporter) logProgress(logger *log.Logger) {
	logger.Printf("Export in progress - current stats %s", e.formatStats())
}

func (e *exporter) abort() {
	e.abortChan <- struct{}{}
}

func (e *exporter) printFinalStats(w io.Writer) {
	stats := e.tr.Stats()
	deltaSeconds := float64(time.Since(e.startTime) / time.Second)
	if deltaSeconds <= 0 {
		deltaSeconds = 1
	}
	fmt.Fprintf(w, "Avg items/sec: %.2f\n", float64(stats.ItemsRead)/deltaSeconds)
	fmt.Fprintf(w, "Avg capacity/sec: %.2f\n", stats.CapacityUsed/deltaSeconds)
	fmt.Fprintln(w, "Total items read: ", stats.ItemsRead)
	fmt.Fprintln(w, "Total bytes written: ", stats.BytesWritten)
}
