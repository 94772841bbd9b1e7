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

func RegisterImportCommand(app *cli.Cli) {
	app.Command("import", "Import a JSON or CSV file into a table", func(cmd *cli.Cmd) {
		cmd.Spec = "[-mpw] [--format] [--strict] [--region] (--filename | --stdin) TABLENAME"
		action := newImporter(cmd, dyntool.FormatJSON)
		action.format = cmd.String(cli.StringOpt{
			Name:   "format",
			Value:  "json",
			Desc:   "Input format.  One of json or csv",
			EnvVar: "FORMAT",
		})
		cmd.Action = actionRunner(cmd, action)
	})
}

func RegisterRestoreCommand(app *cli.Cli) {
	app.Command("restore", "Restore a table from a backup file", func(cmd *cli.Cmd) {
		cmd.Spec = "[-mpw] [--strict] [--region] (--filename | --stdin) TABLENAME"
		action := newImporter(cmd, dyntool.FormatNative)
		cmd.Action = actionRunner(cmd, action)
	})
}

func newImporter(cmd *cli.Cmd, fixedFormat dyntool.Format) *importer {
	action := &importer{
		fixedFormat: fixedFormat,
		tableName: cmd.StringArg("TABLENAME", "",
			"Table name to write to.  Must already exist"),
		filename: cmd.String(cli.StringOpt{
			Name:   "f filename",
			Value:  "",
			Desc:   "Filename to read data from",
			EnvVar: "FILENAME",
		}),
		stdin: cmd.Bool(cli.BoolOpt{
			Name:   "stdin",
			Value:  false,
			Desc:   "If true then read the data from stdin",
			EnvVar: "USE_STDIN",
		}),
		strict: cmd.Bool(cli.BoolOpt{
			Name:  "strict",
			Value: false,
			Desc:  "Fail on the first malformed record instead of skipping it",
		}),
		region: cmd.String(cli.StringOpt{
			Name:   "region",
			Value:  "",
			Desc:   "AWS region; defaults to the environment's region",
			EnvVar: "AWS_REGION",
		}),

		maxRetries:    flagvals.GTEInt(awsMaxRetries, 0),
		maxItems:      flagvals.GTEInt(0, 0),
		parallel:      flagvals.BetweenInt(5, 1, maxParallel),
		writeCapacity: flagvals.GTEInt(5, 1),
	}

	cmd.Var(cli.VarOpt{
		Name:   "m maxitems",
		Value:  action.maxItems,
		Desc:   "Maximum number of items to import.  Set to 0 to process all items in the file",
		EnvVar: "MAXITEMS",
	})
	cmd.Var(cli.VarOpt{
		Name:   "p parallel",
		Value:  action.parallel,
		Desc:   "Number of concurrent channels to open to DynamoDB",
		EnvVar: "MAX_PARALLEL",
	})
	cmd.Var(cli.VarOpt{
		Name:   "w write-capacity",
		Value:  action.writeCapacity,
		Desc:   "Average aggregate write capacity to use (set to 0 for unlimited)",
		EnvVar: "WRITE_CAPACITY",
	})
	cmd.Var(cli.VarOpt{
		Name:   "max-retries",
		Value:  action.maxRetries,
		Desc:   "Maximum number of retry attempts to make with AWS services before failing",
		EnvVar: "AWS_MAX_RETRIES",
	})
	return action
}

type importer struct {
	tr          *dyntool.Transfer
	abortChan   chan struct{}
	fixedFormat dyntool.Format
	source      *readWatcher
	sourceSize  int64
	sourceName  string
	startTime   time.Time

	// options
	tableName     *string
	filename      *string
	stdin         *bool
	format        *string
	strict        *bool
	region        *string
	maxItems      *flagvals.RangeInt
	parallel      *flagvals.RangeInt
	writeCapacity *flagvals.RangeInt
	maxRetries    *flagvals.RangeInt
}

func (i *importer) inputFormat() dyntool.Format {
	if i.format == nil {
		return i.fixedFormat
	}
	return parseFormat(*i.format)
}

func (i *importer) init() error {
	if *i.stdin {
		i.source = newReadWatcher(os.Stdin)
		i.sourceSize = -1
		i.sourceName = "stdin"
	} else {
		f, err := os.Open(*i.filename)
		if err != nil {
			return fmt.Errorf("failed to open file for read: %v", err)
		}
		fi, err := f.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat input file: %v", err)
		}
		i.source = newReadWatcher(f)
		i.sourceSize = fi.Size()
		i.sourceName = fmt.Sprintf("file://%s", *i.filename)
	}

	i.tr = &dyntool.Transfer{
		Dest:          initDynamo(*i.region, i.maxRetries),
		DestTable:     *i.tableName,
		MaxParallel:   int(i.parallel.Value),
		MaxItems:      i.maxItems.Value,
		WriteCapacity: float64(i.writeCapacity.Value),
		Strict:        *i.strict,
	}
	return nil
}

func (i *importer) start(termWriter io.Writer, logger *log.Logger) (done chan error, err error) {
	status := fmt.Sprintf("Beginning import: table=%q writeCapacity=%d "+
		"parallel=%d source=%s size=%s",
		*i.tableName, i.writeCapacity.Value, i.parallel.Value,
		i.sourceName, fmtBytes(i.sourceSize))

	fmt.Fprintln(termWriter, status)
	logger.Println(status)

	done = make(chan error, 1)
	i.abortChan = make(chan struct{}, 1)
	i.startTime = time.Now()

	go func() {
		rerr := make(chan error, 1)
		go func() {
			_, err := i.tr.Import(i.source, i.inputFormat())
			rerr <- err
		}()

		select {
		case <-i.abortChan:
			logger.Printf("Aborting table import table=%s", *i.tableName)
			i.tr.Stop()
			<-rerr
			logger.Printf("Import abort completed table=%s", *i.tableName)
			done <- errors.New("Aborted")

		case err := <-rerr:
			var pf *dyntool.PartialFailureError
			if errors.As(err, &pf) {
				for _, key := range pf.FailedKeys {
					logger.Printf("Failed to write item key=%s", formatKey(key))
				}
			}
			if err != nil {
				logger.Printf("Import failed table=%s error=%v", *i.tableName, err)
			} else {
				logger.Printf("Import completed OK table=%s", *i.tableName)
			}
			done <- err
		}
		logger.Println("Final import stats", i.formatStats())
	}()

	return done, nil
}

func (i *importer) formatStats() string {
	stats := i.tr.Stats()
	stats.Elapsed = time.Since(i.startTime)
	return fmt.Sprintf("table=%s %s", *i.tableName, summaryStats(&stats))
}

func (i *importer) newProgressBar() *pb.ProgressBar {
	if i.sourceSize < 0 {
		return nil
	}
	bar := pb.New64(i.sourceSize)
	bar.ShowSpeed = true
	bar.SetUnits(pb.U_BYTES)
	return bar
}

func (i *importer) updateProgress(bar *pb.ProgressBar) {
	bar.Set64(i.source.BytesRead())
}

func (i *importer) logProgress(logger *log.Logger) {
	logger.Printf("Import in progress - current stats %s", i.formatStats())
}

func (i *importer) abort() {
	i.abortChan <- struct{}{}
}

func (i *importer) printFinalStats(w io.Writer) {
	stats := i.tr.Stats()
	deltaSeconds := float64(time.Since(i.startTime) / time.Second)
	if deltaSeconds <= 0 {
		deltaSeconds = 1
	}
	fmt.Fprintf(w, "Avg items/sec: %.2f\n", float64(stats.ItemsWritten)/deltaSeconds)
	fmt.Fprintln(w, "Total items read: ", stats.ItemsRead)
	fmt.Fprintln(w, "Total items written: ", stats.ItemsWritten)
	if stats.ItemsSkipped > 0 {
		fmt.Fprintln(w, "Total items skipped: ", stats.ItemsSkipped)
	}
	if stats.ItemsFailed > 0 {
		fmt.Fprintln(w, "Total items failed: ", stats.ItemsFailed)
	}
}
