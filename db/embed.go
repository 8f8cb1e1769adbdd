// Package db embeds the SQL migrations applied at startup.
package db

import "embed"

// Migrations holds golang-migrate files (NNNNNN_name.up.sql / .down.sql).
//
//go:embed migrations/*.sql
var Migrations embed.FS
