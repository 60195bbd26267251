package migrations

import "embed"

// Files embeds the schema migrations.
//
//go:embed *.sql
var Files embed.FS
