// Package migrations embeds the goose SQL migrations of both binaries.
package migrations

import "embed"

// FS holds postgres/ (server) and sqlite/ (client) migrations.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
