// Package migrations embeds the SQL migration files for the local mirror.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
