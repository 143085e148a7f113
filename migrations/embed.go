// Package migrations embeds the PostgreSQL schema applied by "ehr-server migrate".
package migrations

import "embed"

// FS holds the numbered migration files.
//
//go:embed *.sql
var FS embed.FS
