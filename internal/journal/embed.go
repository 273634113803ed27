package journal

import "embed"

// migrationFS embeds the schema migrations; goose applies them on Open.
//
//go:embed migrations/*.sql
var migrationFS embed.FS
