// Package db holds the embedded SQL migrations for the audit schema.
package db

import "embed"

// MigrationFS contains migrations/*.sql, applied in version order by golang-migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
