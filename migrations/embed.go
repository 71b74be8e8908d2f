// Package migrations carries the embedded SQL schema. Files apply in
// name order; each runs in its own transaction and is recorded in
// schema_migrations.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
