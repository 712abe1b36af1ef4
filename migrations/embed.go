// Package migrations embeds the bridge's SQL schema into the binary.
//
// Importing this package for side effects registers the files with the
// database package, so database.OpenMigrated brings a fresh history file
// up to date without any SQL on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Files are at root of embedded FS
}
