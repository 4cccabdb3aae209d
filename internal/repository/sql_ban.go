package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"quota-backend/pkg/ratelimit"
)

// SQLBanRepository stores bans in rate_limit_bans
type SQLBanRepository struct {
	db      *sql.DB
	dialect string
}

var _ ratelimit.BanRegistry = (*SQLBanRepository)(nil)

func NewSQLBanRepository(db *sql.DB, dialect string) (*SQLBanRepository, error) {
	if err := initSQLSchema(db, dialect); err != nil {
		return nil, err
	}
	return &SQLBanRepository{db: db, dialect: dialect}, nil
}

func (s *SQLBanRepository) Active(ctx context.Context, identifier string, now time.Time) (*ratelimit.Ban, error) {
	query := rebind(s.dialect, `
		SELECT reason, created_at, expires_at FROM rate_limit_bans
		WHERE identifier = ? AND expires_at > ?`)

	ban, err := s.scanBan(s.db.QueryRowContext(ctx, query, identifier, now.UnixNano()), identifier)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ban: %w", err)
	}
	return &ban, nil
}

// Put inserts ban, or replaces an existing ban that expires earlier. An existing ban
// that lasts at least as long is kept and returned.
func (s *SQLBanRepository) Put(ctx context.Context, ban ratelimit.Ban) (ratelimit.Ban, error) {
	// both postgres and sqlite >= 3.24 accept the conditional upsert
	upsert := rebind(s.dialect, `
		INSERT INTO rate_limit_bans (identifier, reason, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (identifier)
		DO UPDATE SET reason = excluded.reason, created_at = excluded.created_at, expires_at = excluded.expires_at
		WHERE rate_limit_bans.expires_at < excluded.expires_at`)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ratelimit.Ban{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, upsert, ban.Identifier, ban.Reason, ban.CreatedAt.UnixNano(), ban.ExpiresAt.UnixNano())
	if err != nil {
		return ratelimit.Ban{}, fmt.Errorf("failed to upsert ban: %w", err)
	}

	query := rebind(s.dialect, `SELECT reason, created_at, expires_at FROM rate_limit_bans WHERE identifier = ?`)
	stored, err := s.scanBan(tx.QueryRowContext(ctx, query, ban.Identifier), ban.Identifier)
	if err != nil {
		return ratelimit.Ban{}, fmt.Errorf("failed to read ban: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ratelimit.Ban{}, fmt.Errorf("failed to commit ban: %w", err)
	}
	return stored, nil
}

func (s *SQLBanRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	query := rebind(s.dialect, `DELETE FROM rate_limit_bans WHERE expires_at <= ?`)
	result, err := s.db.ExecContext(ctx, query, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge bans: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLBanRepository) scanBan(row *sql.Row, identifier string) (ratelimit.Ban, error) {
	var (
		reason             string
		createdAt, expires int64
	)
	if err := row.Scan(&reason, &createdAt, &expires); err != nil {
		return ratelimit.Ban{}, err
	}
	return ratelimit.Ban{
		Identifier: identifier,
		Reason:     reason,
		CreatedAt:  time.Unix(0, createdAt),
		ExpiresAt:  time.Unix(0, expires),
	}, nil
}
