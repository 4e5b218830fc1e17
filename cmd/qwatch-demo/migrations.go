package main

import "embed"

// migrationsFS holds the demo schema's goose migrations, applied once at
// startup before any watchers are registered.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS
