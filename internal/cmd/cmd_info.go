// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"os"
	"text/template"

	"github.com/gwatts/flagvals"
	cli "github.com/jawher/mow.cli"

	"github.com/jswan/dyntool/dyntool"
)

var infoTmpl = template.Must(template.New("info").Parse(`
Table Name...........: {{ .Name }}
Status ..............: {{ .Status }}
Hash Key ............: {{ .HashKey }} ({{ index .AttributeTypes .HashKey }})
{{- if .RangeKey }}
Range Key ...........: {{ .RangeKey }} ({{ index .AttributeTypes .RangeKey }})
{{- end }}
Billing Mode ........: {{ .BillingMode }}
Read Capacity .......: {{ .ReadCapacity }}
Write Capacity ......: {{ .WriteCapacity }}
Item Count ..........: {{ .ItemCount }}
Size ................: {{ .Size }}
`))

func RegisterInfoCommand(app *cli.Cli) {
	app.Command("info", "Display a table's key schema, size and throughput", func(cmd *cli.Cmd) {
		cmd.Spec = "[--region] TABLENAME"
		tableName := cmd.StringArg("TABLENAME", "", "Table name to describe")
		region := cmd.String(cli.StringOpt{
			Name:   "region",
			Value:  "",
			Desc:   "AWS region; defaults to the environment's region",
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
			td, err := dyntool.DescribeTable(dyn, *tableName)
			if err != nil {
				fail("Failed to describe table %s: %v", *tableName, err)
			}
			infoTmpl.Execute(os.Stdout, struct {
				*dyntool.TableDescriptor
				Size string
			}{td, fmtBytes(td.SizeBytes)})
		}
	})
}
