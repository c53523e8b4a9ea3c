package migrations

import "embed"

// FS holds the SQLite trail store schema.
//
//go:embed *.sql
var FS embed.FS
