package database

import (
	"github.com/frostdev-ops/pma-hub/internal/database/repositories"
	"github.com/frostdev-ops/pma-hub/internal/database/sqlite"
	"github.com/jmoiron/sqlx"
)

// Repositories holds all repository instances
type Repositories struct {
	States          repositories.StateRepository
	TemplateSensors repositories.TemplateSensorRepository
}

// NewRepositories creates all repository instances
func NewRepositories(db *sqlx.DB) *Repositories {
	return &Repositories{
		States:          sqlite.NewStateRepository(db),
		TemplateSensors: sqlite.NewTemplateSensorRepository(db),
	}
}
