package migrations

import (
	"embed"
)

//go:embed *.sql
var embedMigrations embed.FS

// GetMigrations returns the goose migrations. Files sit at the root of the
// returned filesystem so goose should be pointed at ".".
func GetMigrations() embed.FS {
	return embedMigrations
}
