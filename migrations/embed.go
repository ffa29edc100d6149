// Package migrations embeds the SQL schema of the Postgres ledger backend.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
