// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/Bowery/prompt"
	"github.com/cheggaaa/pb"
	"github.com/gwatts/flagvals"
	cli "github.com/jawher/mow.cli"

	"github.com/jswan/dyntool/dyntool"
)

func RegisterTruncateCommand(app *cli.Cli) {
	app.Command("truncate", "Delete every item from a table", func(cmd *cli.Cmd) {
		cmd.Spec = "[-mprw] [--filter [--client-filter]] [--force] [--region] TABLENAME"
		action := &truncater{
			tableName: cmd.StringArg("TABLENAME", "",
				"Table name to delete items from"),
			filterText: cmd.String(cli.StringOpt{
				Name:  "filter",
				Value: "",
				Desc:  `Only delete items matching a filter (eg. "status = archived and ttl exists")`,
			}),
			clientFilter: cmd.Bool(cli.BoolOpt{
				Name:  "client-filter",
				Value: false,
				Desc:  "Evaluate the filter locally instead of in DynamoDB",
			}),
			force: cmd.Bool(cli.BoolOpt{
				Name:   "force",
				Value:  false,
				Desc:   "Set to true to disable the delete prompt",
				EnvVar: "NO_DELETE_PROMPT",
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
			readCapacity:  flagvals.GTEInt(5, 1),
			writeCapacity: flagvals.GTEInt(5, 1),
		}

		cmd.Var(cli.VarOpt{
			Name:   "m maxitems",
			Value:  action.maxItems,
			Desc:   "Maximum number of items to delete.  Set to 0 to process all items in the table",
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
			Name:   "w write-capacity",
			Value:  action.writeCapacity,
			Desc:   "Average aggregate write capacity to use for deletes (set to 0 for unlimited)",
			EnvVar: "WRITE_CAPACITY",
		})
		cmd.Var(cli.VarOpt{
			Name:   "max-retries",
			Value:  action.maxRetries,
			Desc:   "Maximum number of retry attempts to make with AWS services before failing",
			EnvVar: "AWS_MAX_RETRIES",
		})

		cmd.Action = actionRunner(cmd, action)
	})
}

type truncater struct {
	tr        *dyntool.Transfer
	abortChan chan struct{}
	tableInfo *dyntool.TableDescriptor
	startTime time.Time

	// options
	tableName     *string
	filterText    *string
	clientFilter  *bool
	force         *bool
	region        *string
	maxItems      *flagvals.RangeInt
	parallel      *flagvals.RangeInt
	readCapacity  *flagvals.RangeInt
	writeCapacity *flagvals.RangeInt
	maxRetries    *flagvals.RangeInt
}

func (t *truncater) init() error {
	dyn := initDynamo(*t.region, t.maxRetries)
	info, err := dyntool.DescribeTable(dyn, *t.tableName)
	if err != nil {
		return fmt.Errorf("failed to describe table %s: %v", *t.tableName, err)
	}
	t.tableInfo = info

	if !*t.force {
		fmt.Printf("Delete approximately %d items from table %s\n\n",
			info.ItemCount, *t.tableName)
		ok, err := prompt.Ask("Are you sure you wish to delete these items")
		if err != nil {
			return fmt.Errorf("Could not prompt for confirmation (use --force to override): %v", err)
		}
		if !ok {
			return errors.New("User rejected delete")
		}
	}

	t.tr = &dyntool.Transfer{
		Source:           dyn,
		SourceTable:      *t.tableName,
		Filter:           parseFilterFlag(*t.filterText),
		ClientSideFilter: *t.clientFilter,
		MaxParallel:      int(t.parallel.Value),
		MaxItems:         t.maxItems.Value,
		ReadCapacity:     float64(t.readCapacity.Value),
		WriteCapacity:    float64(t.writeCapacity.Value),
	}
	return nil
}

func (t *truncater) start(termWriter io.Writer, logger *log.Logger) (done chan error, err error) {
	status := fmt.Sprintf("Beginning truncate: table=%q readCapacity=%d "+
		"writeCapacity=%d parallel=%d itemCount=%d",
		*t.tableName, t.readCapacity.Value, t.writeCapacity.Value,
		t.parallel.Value, t.tableInfo.ItemCount)

	fmt.Fprintln(termWriter, status)
	logger.Println(status)

	done = make(chan error, 1)
	t.abortChan = make(chan struct{}, 1)
	t.startTime = time.Now()

	go func() {
		rerr := make(chan error, 1)
		go func() {
			_, err := t.tr.Truncate()
			rerr <- err
		}()

		select {
		case <-t.abortChan:
			logger.Printf("Aborting table truncate table=%s", *t.tableName)
			t.tr.Stop()
			<-rerr
			logger.Printf("Truncate abort completed table=%s", *t.tableName)
			done <- errors.New("Aborted")

		case err := <-rerr:
			var pf *dyntool.PartialFailureError
			if errors.As(err, &pf) {
				for _, key := range pf.FailedKeys {
					logger.Printf("Failed to delete item key=%s", formatKey(key))
				}
			}
			if err != nil {
				logger.Printf("Truncate failed table=%s error=%v", *t.tableName, err)
			} else {
				logger.Printf("Truncate completed OK table=%s", *t.tableName)
			}
			done <- err
		}
		logger.Println("Final truncate stats", t.formatStats())
	}()

	return done, nil
}

func (t *truncater) formatStats() string {
	stats := t.tr.Stats()
	stats.Elapsed = time.Since(t.startTime)
	return fmt.Sprintf("table=%s %s", *t.tableName, summaryStats(&stats))
}

func (t *truncater) newProgressBar() *pb.ProgressBar {
	bar := pb.New64(t.tableInfo.ItemCount)
	bar.ShowSpeed = true
	bar.SetUnits(pb.U_NO)
	return bar
}

func (t *truncater) updateProgress(bar *pb.ProgressBar) {
	bar.Set64(t.tr.Stats().ItemsWritten)
}

func (t *truncater) logProgress(logger *log.Logger) {
	logger.Printf("Truncate in progress - current stats %s", t.formatStats())
}

func (t *truncater) abort() {
	t.abortChan <- struct{}{}
}

func (t *truncater) printFinalStats(w io.Writer) {
	stats := t.tr.Stats()
	deltaSeconds := float64(time.Since(t.startTime) / time.Second)
	if deltaSeconds <= 0 {
		deltaSeconds = 1
	}
	fmt.Fprintf(w, "Avg items/sec: %.2f\n", float64(stats.ItemsWritten)/deltaSeconds)
	fmt.Fprintln(w, "Total items deleted: ", stats.ItemsWritten)
	if stats.ItemsFailed > 0 {
		fmt.Fprintln(w, "Total items failed: ", stats.ItemsFailed)
	}
}
