package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"quota-backend/pkg/ratelimit"
)

const createQuotaTablesSQL = `
CREATE TABLE IF NOT EXISTS rate_limit_records (
    identifier VARCHAR(255) NOT NULL,
    category VARCHAR(100) NOT NULL,
    window_name VARCHAR(50) NOT NULL,
    recorded_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rate_limit_records_lookup ON rate_limit_records(identifier, category, window_name, recorded_at);
CREATE INDEX IF NOT EXISTS idx_rate_limit_records_recorded_at ON rate_limit_records(recorded_at);

CREATE TABLE IF NOT EXISTS rate_limit_bans (
    identifier VARCHAR(255) PRIMARY KEY,
    reason TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    expires_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rate_limit_bans_expires_at ON rate_limit_bans(expires_at);
`

// Supported SQL dialects
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// SQLCounterRepository stores one row per window per admission. Timestamps are unix
// nanoseconds so comparisons behave the same on every dialect.
type SQLCounterRepository struct {
	db      *sql.DB
	dialect string
}

var _ ratelimit.CounterStore = (*SQLCounterRepository)(nil)

// NewSQLCounterRepository creates the repository and its schema.
// Supported dialects: "postgres", "sqlite".
func NewSQLCounterRepository(db *sql.DB, dialect string) (*SQLCounterRepository, error) {
	if err := initSQLSchema(db, dialect); err != nil {
		return nil, err
	}
	return &SQLCounterRepository{db: db, dialect: dialect}, nil
}

func initSQLSchema(db *sql.DB, dialect string) error {
	if db == nil {
		return fmt.Errorf("database connection is required")
	}
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return fmt.Errorf("unsupported dialect: %s (supported: postgres, sqlite)", dialect)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, createQuotaTablesSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *SQLCounterRepository) Mode() ratelimit.ConsistencyMode { return ratelimit.ModeApproximate }

func (s *SQLCounterRepository) Count(ctx context.Context, identifier string, category ratelimit.Category, window string, since time.Time) (ratelimit.Usage, error) {
	query := rebind(s.dialect, `
		SELECT COUNT(*), MIN(recorded_at) FROM rate_limit_records
		WHERE identifier = ? AND category = ? AND window_name = ? AND recorded_at >= ?`)

	var (
		count  int
		oldest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, identifier, string(category), window, since.UnixNano()).Scan(&count, &oldest)
	if err != nil {
		return ratelimit.Usage{}, fmt.Errorf("failed to count records: %w", err)
	}

	u := ratelimit.Usage{Count: count}
	if oldest.Valid {
		u.Oldest = time.Unix(0, oldest.Int64)
	}
	return u, nil
}

func (s *SQLCounterRepository) Append(ctx context.Context, identifier string, category ratelimit.Category, windows []string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := rebind(s.dialect, `INSERT INTO rate_limit_records (identifier, category, window_name, recorded_at) VALUES (?, ?, ?, ?)`)
	for _, w := range windows {
		if _, err := tx.ExecContext(ctx, query, identifier, string(category), w, at.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLCounterRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := rebind(s.dialect, `DELETE FROM rate_limit_records WHERE recorded_at < ?`)
	result, err := s.db.ExecContext(ctx, query, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge records: %w", err)
	}
	return result.RowsAffected()
}

// rebind rewrites ? placeholders to $n for postgres
func rebind(dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
