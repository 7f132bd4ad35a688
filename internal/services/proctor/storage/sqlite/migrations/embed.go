package migrations

import "embed"

// FS contains embedded SQLite migrations for proctoring storage.
//
//go:embed *.sql
var FS embed.FS
