// Package migrations embeds the devserver schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
