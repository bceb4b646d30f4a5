// Package migrations ships the goose SQL migrations with the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
