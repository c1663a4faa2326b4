// Package migrations embeds the host database schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
