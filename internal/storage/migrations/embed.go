package migrations

import "embed"

// FS holds the numbered SQL migration scripts.
//
//go:embed scripts/*.sql
var FS embed.FS
