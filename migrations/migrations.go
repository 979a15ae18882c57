// Package migrations embeds the SQL migrations for the credential store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
