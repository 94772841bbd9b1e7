// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/gwatts/flagvals"
	cli "github.com/jawher/mow.cli"

	"github.com/jswan/dyntool/dyntool"
)

func RegisterListCommand(app *cli.Cli) {
	app.Command("list", "List the tables in the region", func(cmd *cli.Cmd) {
		cmd.Spec = "[--verbose] [--region]"
		verbose := cmd.Bool(cli.BoolOpt{
			Name:  "v verbose",
			Value: false,
			Desc:  "Also display item count and size for each table",
		})
		region := cmd.String(cli.StringOpt{
			Name:   "region",
			Value:  "",
			Desc:   "AWS region to list; defaults to the environment's region",
			EnvVar: "AWS_REGION",
		})
		maxRetries := flagvals.GTEInt(awsMaxRetries, 0)
		cmd.Var(cli.VarOpt{
			Name:   "max-retries",
			Value:  maxRetries,
			Desc:   "Maximum number of retry attempts to make with AWS services before failing",
			EnvVar: "AWS_MAX_RETRIES",
		})

		cmd.Action = func() {
			dyn := initDynamo(*region, maxRetries)
			names, err := dyntool.ListTableNames(dyn)
			if err != nil {
				fail("Failed to list tables: %v", err)
			}
			if !*verbose {
				for _, name := range names {
					fmt.Println(name)
				}
				return
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATUS\tITEMS\tSIZE")
			for _, name := range names {
				td, err := dyntool.DescribeTable(dyn, name)
				if err != nil {
					fail("Failed to describe table %s: %v", name, err)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", td.Name, td.Status, td.ItemCount, fmtBytes(td.SizeBytes))
			}
			tw.Flush()
		}
	})
}
