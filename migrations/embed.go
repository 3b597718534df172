// Package migrations embeds the SQL schema for the Postgres content repository.
package migrations

import "embed"

// FS holds the ordered *.sql migration files.
//
//go:embed *.sql
var FS embed.FS
