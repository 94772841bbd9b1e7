// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

/*
Command dyntool copies, exports, imports and truncates DynamoDB tables.

It streams items through parallel scan and batched write channels with
rate limiting to a specified read or write capacity, so tables of any
size can be processed in constant memory.

Exported files hold one flattened JSON object per line, or CSV rows for
tables with scalar attributes.  The backup and restore commands instead
use DynamoDB's own JSON representation, which preserves exact types.

All commands support a filter expression to restrict which items are
touched, eg:

	dyntool export --stdout --filter "status = archived" mytable

AWS credentials are read from the standard environment variables or
shared credentials file.
*/
package main

import (
	"os"

	cli "github.com/jawher/mow.cli"

	"github.com/jswan/dyntool/internal/cmd"
)

func main() {
	app := cli.App("dyntool", "Copy, export, import and truncate DynamoDB tables")

	cmd.RegisterListCommand(app)
	cmd.RegisterInfoCommand(app)
	cmd.RegisterHeadCommand(app)
	cmd.RegisterCopyCommand(app)
	cmd.RegisterExportCommand(app)
	cmd.RegisterImportCommand(app)
	cmd.RegisterBackupCommand(app)
	cmd.RegisterRestoreCommand(app)
	cmd.RegisterTruncateCommand(app)
	cmd.RegisterWipeCommand(app)

	app.Run(os.Args)
}
