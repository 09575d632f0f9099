// Package migrations holds the schema for the credential and session history tables.
package migrations

import (
	"embed"
	"fmt"
	"sync"

	"github.com/uptrace/bun/migrate"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// Tables lists the tables owned by the migrations, in drop order.
var Tables = []string{"session_events", "credential_pairs"}

var (
	discoverOnce sync.Once
	discovered   *migrate.Migrations
	discoverErr  error
)

// Load returns the embedded migrations. Discovery runs once.
func Load() (*migrate.Migrations, error) {
	discoverOnce.Do(func() {
		m := migrate.NewMigrations()
		if err := m.Discover(sqlFiles); err != nil {
			discoverErr = fmt.Errorf("failed to discover migrations: %w", err)
			return
		}

		discovered = m
	})

	return discovered, discoverErr
}
