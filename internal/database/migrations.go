package database

import (
	"github.com/dockhand/composeops/internal/models"
)

// MigrationModels returns every model the schema migration covers.
// Order matters for backends that enforce foreign keys during creation.
func MigrationModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Operation{},
	}
}
