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

	"github.com/cheggaaa/pb"
	"github.com/gwatts/flagvals"
	cli "github.com/jawher/mow.cli"

	"github.com/jswan/dyntool/dyntool"
)

func RegisterCopyCommand(app *cli.Cli) {
	app.Command("copy", "Copy a table into another table", func(cmd *cli.Cmd) {
		cmd.Spec = "[-cmprw] [--filter [--client-filter]] " +
			"[--source-region] [--dest-region] SRCTABLE DSTTABLE"
		action := &copier{
			srcTableName: cmd.StringArg("SRCTABLE", "",
				"Table name to copy from"),
			dstTableName: cmd.StringArg("DSTTABLE", "",
				"Table name to copy to.  Must already exist with a matching key schema"),
			consistentRead: cmd.Bool(cli.BoolOpt{
				Name:   "c consistent-read",
				Value:  false,
				Desc:   "Enable consistent reads (at 2x capacity use)",
				EnvVar: "USE_CONSISTENT",
			}),
			filterText: cmd.String(cli.StringOpt{
				Name:  "filter",
				Value: "",
				Desc:  `Only copy items matching a filter (eg. "status = archived and ttl exists")`,
			}),
			clientFilter: cmd.Bool(cli.BoolOpt{
				Name:  "client-filter",
				Value: false,
				Desc:  "Evaluate the filter locally instead of in DynamoDB",
			}),
			srcRegion: cmd.String(cli.StringOpt{
				Name:   "source-region",
				Value:  "",
				Desc:   "AWS region to read from; defaults to the environment's region",
				EnvVar: "SOURCE_REGION",
			}),
			dstRegion: cmd.String(cli.StringOpt{
				Name:   "dest-region",
				Value:  "",
				Desc:   "AWS region to write to; defaults to the source region",
				EnvVar: "DEST_REGION",
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
			Desc:   "Maximum number of items to copy.  Set to 0 to process all items in the table",
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
			Desc:   "Average aggregate write capacity to use (set to 0 for unlimited)",
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

type copier struct {
	tr        *dyntool.Transfer
	abortChan chan struct{}
	srcInfo   *dyntool.TableDescriptor
	startTime time.Time

	// options
	srcTableName   *string
	dstTableName   *string
	consistentRead *bool
	filterText     *string
	clientFilter   *bool
	srcRegion      *string
	dstRegion      *string
	maxItems       *flagvals.RangeInt
	parallel       *flagvals.RangeInt
	readCapacity   *flagvals.RangeInt
	writeCapacity  *flagvals.RangeInt
	maxRetries     *flagvals.RangeInt
}

func (c *copier) init() error {
	dstRegion := *c.dstRegion
	if dstRegion == "" {
		dstRegion = *c.srcRegion
	}
	c.tr = &dyntool.Transfer{
		Source:           initDynamo(*c.srcRegion, c.maxRetries),
		Dest:             initDynamo(dstRegion, c.maxRetries),
		SourceTable:      *c.srcTableName,
		DestTable:        *c.dstTableName,
		Filter:           parseFilterFlag(*c.filterText),
		ClientSideFilter: *c.clientFilter,
		MaxParallel:      int(c.parallel.Value),
		MaxItems:         c.maxItems.Value,
		ReadCapacity:     float64(c.readCapacity.Value),
		WriteCapacity:    float64(c.writeCapacity.Value),
		ConsistentRead:   *c.consistentRead,
	}

	info, err := dyntool.DescribeTable(c.tr.Source, *c.srcTableName)
	if err != nil {
		return fmt.Errorf("failed to describe table %s: %v", *c.srcTableName, err)
	}
	c.srcInfo = info
	return nil
}

func (c *copier) start(termWriter io.Writer, logger *log.Logger) (done chan error, err error) {
	status := fmt.Sprintf("Beginning copy: source=%q dest=%q readCapacity=%d "+
		"writeCapacity=%d parallel=%d itemCount=%d totalSize=%s",
		*c.srcTableName, *c.dstTableName,
		c.readCapacity.Value, c.writeCapacity.Value, c.parallel.Value,
		c.srcInfo.ItemCount, fmtBytes(c.srcInfo.SizeBytes))

	fmt.Fprintln(termWriter, status)
	logger.Println(status)

	done = make(chan error, 1)
	c.abortChan = make(chan struct{}, 1)
	c.startTime = time.Now()

	go func() {
		rerr := make(chan error, 1)
		go func() {
			_, err := c.tr.Copy()
			rerr <- err
		}()

		select {
		case <-c.abortChan:
			logger.Printf("Aborting table copy source=%s", *c.srcTableName)
			c.tr.Stop()
			<-rerr
			logger.Printf("Copy abort completed source=%s", *c.srcTableName)
			done <- errors.New("Aborted")

		case err := <-rerr:
			var pf *dyntool.PartialFailureError
			if errors.As(err, &pf) {
				for _, key := range pf.FailedKeys {
					logger.Printf("Failed to write item key=%s", formatKey(key))
				}
			}
			if err != nil {
				logger.Printf("Copy failed source=%s error=%v", *c.srcTableName, err)
			} else {
				logger.Printf("Copy completed OK source=%s", *c.srcTableName)
			}
			done <- err
		}
		logger.Println("Final copy stats", c.formatStats())
	}()

	return done, nil
}

func (c *copier) formatStats() string {
	stats := c.tr.Stats()
	stats.Elapsed = time.Since(c.startTime)
	return fmt.Sprintf("source=%s %s", *c.srcTableName, summaryStats(&stats))
}

func (c *copier) newProgressBar() *pb.ProgressBar {
	bar := pb.New64(c.srcInfo.ItemCount)
	bar.ShowSpeed = true
	bar.SetUnits(pb.U_NO)
	return bar
}

func (c *copier) updateProgress(bar *pb.ProgressBar) {
	bar.Set64(c.tr.Stats().ItemsRead)
}

func (c *copier) logProgress(logger *log.Logger) {
	logger.Printf("Copy in progress - current stats %s", c.formatStats())
}

func (c *copier) abort() {
	c.abortChan <- struct{}{}
}

func (c *copier) printFinalStats(w io.Writer) {
	stats := c.tr.Stats()
	deltaSeconds := float64(time.Since(c.startTime) / time.Second)
	if deltaSeconds <= 0 {
		deltaSeconds = 1
	}
	fmt.Fprintf(w, "Avg items/sec: %.2f\n", float64(stats.ItemsRead)/deltaSeconds)
	fmt.Fprintf(w, "Avg capacity/sec: %.2f\n", stats.CapacityUsed/deltaSeconds)
	fmt.Fprintln(w, "Total items read: ", stats.ItemsRead)
	fmt.Fprintln(w, "Total items written: ", stats.ItemsWritten)
	if stats.ItemsFailed > 0 {
		fmt.Fprintln(w, "Total items failed: ", stats.ItemsFailed)
	}
}
