package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/stapelberg/postgrestest"
)

// EphemeralPostgres is a throwaway PostgreSQL server with one fresh database
type EphemeralPostgres struct {
	DB     *sql.DB
	server *postgrestest.Server
}

// StartEphemeralPostgres starts a PostgreSQL server in a temporary directory.
// The postgres binaries must be installed.
func StartEphemeralPostgres(ctx context.Context) (*EphemeralPostgres, error) {
	Logger.Info("Starting ephemeral PostgreSQL server...")

	pgt, err := postgrestest.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start ephemeral postgres: %w", err)
	}

	dsn, err := pgt.CreateDatabase(ctx)
	if err != nil {
		pgt.Cleanup()
		return nil, fmt.Errorf("failed to create jobs database: %w", err)
	}
	Logger.Info("Created ephemeral database", "dsn", dsn)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		pgt.Cleanup()
		return nil, fmt.Errorf("failed to open jobs database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		pgt.Cleanup()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &EphemeralPostgres{DB: db, server: pgt}, nil
}

// Cleanup stops the server and removes its data directory
func (e *EphemeralPostgres) Cleanup() {
	if e.server != nil {
		Logger.Info("Cleaning up ephemeral PostgreSQL server...")
		e.server.Cleanup()
		e.server = nil
	}
}
