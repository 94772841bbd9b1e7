// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"os"

	"github.com/gwatts/flagvals"
	cli "github.com/jawher/mow.cli"

	"github.com/jswan/dyntool/dyntool"
)

func RegisterHeadCommand(app *cli.Cli) {
	app.Command("head", "Print the first items of a table as JSON", func(cmd *cli.Cmd) {
		cmd.Spec = "[-n] [--filter [--client-filter]] [--region] TABLENAME"
		tableName := cmd.StringArg("TABLENAME", "", "Table name to read")
		filterText := cmd.String(cli.StringOpt{
			Name:  "filter",
			Value: "",
			Desc:  `Only show items matching a filter (eg. "status = archived and ttl exists")`,
		})
		clientFilter := cmd.Bool(cli.BoolOpt{
			Name:  "client-filter",
			Value: false,
			Desc:  "Evaluate the filter locally instead of in DynamoDB",
		})
		region := cmd.String(cli.StringOpt{
			Name:   "region",
			Value:  "",
			Desc:   "AWS region; defaults to the environment's region",
			EnvVar: "AWS_REGION",
		})
		limit := flagvals.GTEInt(defaultHead, 1)
		cmd.Var(cli.VarOpt{
			Name:  "n limit",
			Value: limit,
			Desc:  "Number of items to print",
		})
		maxRetries := flagvals.GTEInt(awsMaxRetries, 0)
		cmd.Var(cli.VarOpt{
			Name:   "max-retries",
			Value:  maxRetries,
			Desc:   "Maximum number of retry attempts to make with AWS services before failing",
			EnvVar: "AWS_MAX_RETRIES",
		})

		cmd.Action = func() {
			tr := &dyntool.Transfer{
				Source:           initDynamo(*region, maxRetries),
				SourceTable:      *tableName,
				Filter:           parseFilterFlag(*filterText),
				ClientSideFilter: *clientFilter,
			}
			items, err := tr.Head(limit.Value)
			if err != nil {
				fail("Failed to read from table %s: %v", *tableName, err)
			}
			enc := dyntool.NewJSONItemEncoder(os.Stdout)
			for _, item := range items {
				if err := enc.WriteItem(item); err != nil {
					fail("Failed to encode item: %v", err)
				}
			}
		}
	})
}
