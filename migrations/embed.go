// Package migrations embeds the devicelink SQL schema into the binary.
package migrations

import (
	"embed"

	"github.com/rnrsolutions/devicelink/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
