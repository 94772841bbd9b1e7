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

func RegisterWipeCommand(app *cli.Cli) {
	app.Command("wipe", "Empty a table by deleting and recreating it", func(cmd *cli.Cmd) {
		cmd.Spec = "[--force] [--region] TABLENAME"
		action := &wiper{
			tableName: cmd.StringArg("TABLENAME", "",
				"Table name to wipe"),
			force: cmd.Bool(cli.BoolOpt{
				Name:   "force",
				Value:  false,
				Desc:   "Set to true to disable the wipe prompt",
				EnvVar: "NO_DELETE_PROMPT",
			}),
			region: cmd.String(cli.StringOpt{
				Name:   "region",
				Value:  "",
				Desc:   "AWS region; defaults to the environment's region",
				EnvVar: "AWS_REGION",
			}),

			maxRetries: flagvals.GTEInt(awsMaxRetries, 0),
		}

		cmd.Var(cli.VarOpt{
			Name:   "max-retries",
			Value:  action.maxRetries,
			Desc:   "Maximum number of retry attempts to make with AWS services before failing",
			EnvVar: "AWS_MAX_RETRIES",
		})

		cmd.Action = actionRunner(cmd, action)
	})
}

type wiper struct {
	tr        *dyntool.Transfer
	abortChan chan struct{}
	tableInfo *dyntool.TableDescriptor
	startTime time.Time

	// options
	tableName  *string
	force      *bool
	region     *string
	maxRetries *flagvals.RangeInt
}

func (w *wiper) init() error {
	dyn := initDynamo(*w.region, w.maxRetries)
	info, err := dyntool.DescribeTable(dyn, *w.tableName)
	if err != nil {
		return fmt.Errorf("failed to describe table %s: %v", *w.tableName, err)
	}
	w.tableInfo = info

	if !*w.force {
		fmt.Printf("Delete and recreate table %s, discarding approximately %d items\n\n",
			*w.tableName, info.ItemCount)
		ok, err := prompt.Ask("Are you sure you wish to wipe this table")
		if err != nil {
			return fmt.Errorf("Could not prompt for confirmation (use --force to override): %v", err)
		}
		if !ok {
			return errors.New("User rejected wipe")
		}
	}

	w.tr = &dyntool.Transfer{
		Source:      dyn,
		SourceTable: *w.tableName,
	}
	return nil
}

func (w *wiper) start(termWriter io.Writer, logger *log.Logger) (done chan error, err error) {
	status := fmt.Sprintf("Beginning wipe: table=%q itemCount=%d",
		*w.tableName, w.tableInfo.ItemCount)

	fmt.Fprintln(termWriter, status)
	logger.Println(status)

	done = make(chan error, 1)
	w.abortChan = make(chan struct{}, 1)
	w.startTime = time.Now()

	go func() {
		rerr := make(chan error, 1)
		go func() { rerr <- w.tr.Wipe() }()

		select {
		case <-w.abortChan:
			logger.Printf("Aborting table wipe table=%s", *w.tableName)
			w.tr.Stop()
			<-rerr
			logger.Printf("Wipe abort completed table=%s", *w.tableName)
			done <- errors.New("Aborted")

		case err := <-rerr:
			if err != nil {
				logger.Printf("Wipe failed table=%s error=%v", *w.tableName, err)
			} else {
				logger.Printf("Wipe completed OK table=%s", *w.tableName)
			}
			done <- err
		}
	}()

	return done, nil
}

// The wipe has no useful intermediate progress; table deletion and
// recreation are single calls followed by status polling.
func (w *wiper) newProgressBar() *pb.ProgressBar {
	return nil
}

func (w *wiper) updateProgress(bar *pb.ProgressBar) {
}

func (w *wiper) abort() {
	w.abortChan <- struct{}{}
}

func (w *wiper) printFinalStats(out io.Writer) {
	fmt.Fprintf(out, "Wiped table %s in %s\n",
		*w.tableName, time.Since(w.startTime).Round(time.Second))
}
