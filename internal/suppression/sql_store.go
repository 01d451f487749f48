package suppression

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/busybox42/sendline/internal/config"
	"github.com/busybox42/sendline/internal/datasource"
)

const suppressionSchema = `
CREATE TABLE IF NOT EXISTS suppressions (
	email      VARCHAR(320) PRIMARY KEY,
	reason     VARCHAR(32) NOT NULL,
	source     VARCHAR(255) NOT NULL DEFAULT '',
	dsn_code   VARCHAR(16) NOT NULL DEFAULT '',
	dsn_diag   TEXT,
	identity   VARCHAR(64) NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL DEFAULT 0
)`

type entryRow struct {
	Email     string         `db:"email"`
	Reason    string         `db:"reason"`
	Source    string         `db:"source"`
	DSNCode   string         `db:"dsn_code"`
	DSNDiag   sql.NullString `db:"dsn_diag"`
	Identity  string         `db:"identity"`
	CreatedAt int64          `db:"created_at"`
}

func (r entryRow) entry() Entry {
	return Entry{
		Email:     r.Email,
		Reason:    Reason(r.Reason),
		Source:    r.Source,
		DSNCode:   r.DSNCode,
		DSNDiag:   r.DSNDiag.String,
		Identity:  r.Identity,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
}

// SQLStore persists suppressions with sqlx
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an open database
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Open creates the store selected by cfg. An empty driver shares the identity
// database settings.
func Open(ctx context.Context, cfg config.SuppressionConfig, fallback config.IdentityConfig) (Store, error) {
	driver, dsn := cfg.Driver, cfg.DSN
	if driver == "" {
		driver, dsn = fallback.Driver, fallback.DSN
	}
	if driver == "memory" {
		return NewMemoryStore(), nil
	}

	db, err := datasource.Open(ctx, datasource.Config{Driver: driver, DSN: dsn})
	if err != nil {
		return nil, err
	}
	s := NewSQLStore(db)
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Init(ctx context.Context) error {
	return datasource.ExecSchema(ctx, s.db, suppressionSchema)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Add(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	row := entryRow{
		Email:     Normalize(e.Email),
		Reason:    string(e.Reason),
		Source:    e.Source,
		DSNCode:   e.DSNCode,
		DSNDiag:   sql.NullString{String: e.DSNDiag, Valid: e.DSNDiag != ""},
		Identity:  e.Identity,
		CreatedAt: e.CreatedAt.Unix(),
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO suppressions
		(email, reason, source, dsn_code, dsn_diag, identity, created_at)
		VALUES (:email, :reason, :source, :dsn_code, :dsn_diag, :identity, :created_at)`, row)
	if err != nil {
		if datasource.IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to add suppression: %w", err)
	}
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM suppressions WHERE email = ?`), Normalize(email))
	if err != nil {
		return fmt.Errorf("failed to remove suppression: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, email string) (*Entry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT email, reason, source, dsn_code, dsn_diag, identity, created_at
		FROM suppressions WHERE email = ?`), Normalize(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suppression: %w", err)
	}
	e := row.entry()
	return &e, nil
}

func (s *SQLStore) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM suppressions WHERE email = ?`), Normalize(email))
	if err != nil {
		return false, fmt.Errorf("failed to check suppression: %w", err)
	}
	return count > 0, nil
}

func (s *SQLStore) List(ctx context.Context, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT email, reason, source, dsn_code, dsn_diag, identity, created_at
		FROM suppressions ORDER BY created_at DESC, email ASC LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list suppressions: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM suppressions`); err != nil {
		return 0, fmt.Errorf("failed to count suppressions: %w", err)
	}
	return count, nil
}
