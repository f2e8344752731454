// Package migrations embeds the PostgreSQL schema for the job ledger.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
