package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// OpenSQL opens and pings a SQL database. backend is "postgres" or "sqlite"; driver
// overrides the database/sql driver name when set. The returned dialect is what the
// SQL repositories expect.
func OpenSQL(ctx context.Context, backend, driver, dsn string) (*sql.DB, string, error) {
	var dialect string
	switch backend {
	case "postgres":
		dialect = "postgres"
		if driver == "" {
			driver = "postgres"
		}
	case "sqlite":
		dialect = "sqlite"
		if driver == "" {
			driver = "sqlite3"
		}
	default:
		return nil, "", fmt.Errorf("unsupported SQL backend: %s", backend)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s database: %w", backend, err)
	}

	if dialect == "sqlite" {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY under load
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to ping %s database: %w", backend, err)
	}

	return db, dialect, nil
}

// SQLHealth checks the SQL connection health
func SQLHealth(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return db.PingContext(ctx)
}
