// Package migrations embeds the schema goose applies on startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
