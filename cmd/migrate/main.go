// Command migrate runs database migrations via goose.
//
// Migrations in this repository are forward-only: the ledger tables hold
// financial history that a rollback would destroy, so no Down sections
// exist and the down/redo commands are rejected up front.
//
// Usage:
//
//	go run ./cmd/migrate up               # Apply all pending migrations
//	go run ./cmd/migrate status           # Show migration status
//	go run ./cmd/migrate version          # Show current schema version
//	go run ./cmd/migrate up-to <version>  # Apply migrations up to a version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

const migrationsDir = "migrations"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, status, version, up-to <version>")
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "down", "down-to", "redo", "reset":
		log.Fatalf("Migration %s not supported: migrations are forward-only", command)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := goose.RunContext(context.Background(), command, db, migrationsDir, os.Args[2:]...); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}
