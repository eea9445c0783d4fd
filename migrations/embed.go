// Package migrations embeds the SQL migrations of the lifecycle journal.
package migrations

import "embed"

// FS holds every *.sql file of this directory at its root.
//
//go:embed *.sql
var FS embed.FS
