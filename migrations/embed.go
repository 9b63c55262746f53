// Package migrations embeds the SQL schema so it is available regardless of working directory.
package migrations

import "embed"

// FS holds every .sql file of this directory.
//
//go:embed *.sql
var FS embed.FS
