// Package db embeds the goose migrations applied by the migrate command.
package db

import "embed"

// MigrationsDir is the directory inside Migrations holding the SQL files.
const MigrationsDir = "migrations"

//go:embed migrations/*.sql
var Migrations embed.FS
