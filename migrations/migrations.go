// Package migrations embeds the SQL migration files so binaries can apply
// them at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
