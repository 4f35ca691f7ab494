// Package migrations embeds the SQL migration files for the local cache
// schema, applied with goose at store startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
