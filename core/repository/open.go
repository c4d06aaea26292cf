package repository

import (
	"context"
	"fmt"

	"imageAnonymizer/core/database"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Store is a Repository together with the connection backing it.
type Store struct {
	Repository
	DB *database.DB
}

// Open builds the task store selected by driver and prepares its schema.
func Open(ctx context.Context, driver, databaseURL string, maxConns int32) (*Store, error) {
	switch driver {
	case DriverMemory:
		return &Store{Repository: NewMemoryRepo()}, nil
	case DriverPostgres, "":
		db, err := database.Connect(ctx, databaseURL, maxConns)
		if err != nil {
			return nil, err
		}
		if err := EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return &Store{Repository: NewPostgresRepo(db), DB: db}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func (s *Store) Close() {
	if s.DB != nil {
		s.DB.Close()
	}
}
