package database

import (
	"github.com/rs/zerolog"
)

// Repository provides data access methods over the connection pool.
// Per-concern methods live in the repository_*.go files.
type Repository struct {
	db     *DB
	logger zerolog.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger zerolog.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.With().Str("component", "repository").Logger(),
	}
}
