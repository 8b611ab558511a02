// Package dbmigrations exposes the embedded SQL migrations for pricegate binaries.
package dbmigrations

import "embed"

// Files contains the SQL migrations bundled into pricegate binaries.
//
//go:embed *.sql
var Files embed.FS
