// Package dbmigrations exposes embedded SQL migrations for storefront binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into storefront binaries.
//
//go:embed *.sql
var Files embed.FS
