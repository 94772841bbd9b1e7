// Copyright 2024 Joel Swan
// Licensed under an MIT license
// See the LICENSE file for details

/*
Package dyntool implements a streaming transfer engine for DynamoDB tables.

It can copy a table into another table, export a table (or a filtered
subset of it) to JSON-lines or CSV, import those formats back into a
table, and truncate or wipe a table, all with bounded memory regardless
of table size.

Items flow through a pull-shaped pipeline: a Fetcher scans the source
using parallel segments and pushes each item to an ItemWriter; sinks
such as the BatchWriter or the format encoders block until they have
room, which bounds the number of in-flight items to roughly one page
plus one batch.  Both ends support rate limiting to a target read or
write capacity and cooperative cancellation via their Stop methods.

The Transfer type composes the pieces into the user-facing operations.
*/
package dyntool
