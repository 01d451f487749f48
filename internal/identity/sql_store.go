package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/busybox42/sendline/internal/datasource"
)

const identitySchema = `
CREATE TABLE IF NOT EXISTS sending_identities (
	id                 VARCHAR(36) PRIMARY KEY,
	address            VARCHAR(64) NOT NULL UNIQUE,
	hostname           VARCHAR(255) NOT NULL DEFAULT '',
	pool               VARCHAR(64) NOT NULL DEFAULT '',
	warmup_day         INTEGER NOT NULL DEFAULT 1,
	warmup_status      VARCHAR(16) NOT NULL DEFAULT 'warming',
	warmup_started_on  VARCHAR(10) NOT NULL DEFAULT '',
	warmup_advanced_on VARCHAR(10) NOT NULL DEFAULT '',
	daily_limit        BIGINT NOT NULL DEFAULT 0,
	hourly_limit       BIGINT NOT NULL DEFAULT 0,
	sent_today         BIGINT NOT NULL DEFAULT 0,
	sent_this_hour     BIGINT NOT NULL DEFAULT 0,
	sent_total         BIGINT NOT NULL DEFAULT 0,
	daily_reset_on     VARCHAR(10) NOT NULL DEFAULT '',
	hourly_reset_at    VARCHAR(13) NOT NULL DEFAULT '',
	is_active          BOOLEAN NOT NULL DEFAULT TRUE,
	is_blacklisted     BOOLEAN NOT NULL DEFAULT FALSE,
	priority           INTEGER NOT NULL DEFAULT 100,
	last_sent_at       BIGINT NOT NULL DEFAULT 0,
	created_at         BIGINT NOT NULL DEFAULT 0,
	updated_at         BIGINT NOT NULL DEFAULT 0
)`

const identityColumns = `id, address, hostname, pool, warmup_day, warmup_status, warmup_started_on,
	warmup_advanced_on, daily_limit, hourly_limit, sent_today, sent_this_hour, sent_total,
	daily_reset_on, hourly_reset_at, is_active, is_blacklisted, priority, last_sent_at,
	created_at, updated_at`

// identityRow is the column layout of sending_identities; timestamps are unix seconds
type identityRow struct {
	ID               string `db:"id"`
	Address          string `db:"address"`
	Hostname         string `db:"hostname"`
	Pool             string `db:"pool"`
	WarmupDay        int    `db:"warmup_day"`
	WarmupStatus     string `db:"warmup_status"`
	WarmupStartedOn  string `db:"warmup_started_on"`
	WarmupAdvancedOn string `db:"warmup_advanced_on"`
	DailyLimit       int64  `db:"daily_limit"`
	HourlyLimit      int64  `db:"hourly_limit"`
	SentToday        int64  `db:"sent_today"`
	SentThisHour     int64  `db:"sent_this_hour"`
	SentTotal        int64  `db:"sent_total"`
	DailyResetOn     string `db:"daily_reset_on"`
	HourlyResetAt    string `db:"hourly_reset_at"`
	IsActive         bool   `db:"is_active"`
	IsBlacklisted    bool   `db:"is_blacklisted"`
	Priority         int    `db:"priority"`
	LastSentAt       int64  `db:"last_sent_at"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

func toRow(s *SendingIdentity) identityRow {
	return identityRow{
		ID:               s.ID,
		Address:          s.Address,
		Hostname:         s.Hostname,
		Pool:             s.Pool,
		WarmupDay:        s.WarmupDay,
		WarmupStatus:     string(s.WarmupStatus),
		WarmupStartedOn:  s.WarmupStartedOn,
		WarmupAdvancedOn: s.WarmupAdvancedOn,
		DailyLimit:       s.DailyLimit,
		HourlyLimit:      s.HourlyLimit,
		SentToday:        s.SentToday,
		SentThisHour:     s.SentThisHour,
		SentTotal:        s.SentTotal,
		DailyResetOn:     s.DailyResetOn,
		HourlyResetAt:    s.HourlyResetAt,
		IsActive:         s.IsActive,
		IsBlacklisted:    s.IsBlacklisted,
		Priority:         s.Priority,
		LastSentAt:       unixOrZero(s.LastSentAt),
		CreatedAt:        unixOrZero(s.CreatedAt),
		UpdatedAt:        unixOrZero(s.UpdatedAt),
	}
}

func (r identityRow) identity() SendingIdentity {
	return SendingIdentity{
		ID:               r.ID,
		Address:          r.Address,
		Hostname:         r.Hostname,
		Pool:             r.Pool,
		WarmupDay:        r.WarmupDay,
		WarmupStatus:     WarmupStatus(r.WarmupStatus),
		WarmupStartedOn:  r.WarmupStartedOn,
		WarmupAdvancedOn: r.WarmupAdvancedOn,
		DailyLimit:       r.DailyLimit,
		HourlyLimit:      r.HourlyLimit,
		SentToday:        r.SentToday,
		SentThisHour:     r.SentThisHour,
		SentTotal:        r.SentTotal,
		DailyResetOn:     r.DailyResetOn,
		HourlyResetAt:    r.HourlyResetAt,
		IsActive:         r.IsActive,
		IsBlacklisted:    r.IsBlacklisted,
		Priority:         r.Priority,
		LastSentAt:       fromUnix(r.LastSentAt),
		CreatedAt:        fromUnix(r.CreatedAt),
		UpdatedAt:        fromUnix(r.UpdatedAt),
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// SQLStore persists identities in sqlite3, postgres or mysql
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an open database
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLStore opens the database and applies the schema
func OpenSQLStore(ctx context.Context, cfg datasource.Config) (*SQLStore, error) {
	db, err := datasource.Open(ctx, cfg)
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
	return datasource.ExecSchema(ctx, s.db, identitySchema)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// execOne runs an update whose last argument is the identity id
func (s *SQLStore) execOne(ctx context.Context, query string, args ...interface{}) error {
	n, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// mysql reports zero affected rows when nothing changed
	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM sending_identities WHERE id = ?`), args[len(args)-1]); err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Insert(ctx context.Context, si *SendingIdentity) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO sending_identities (`+identityColumns+`)
		VALUES (:id, :address, :hostname, :pool, :warmup_day, :warmup_status, :warmup_started_on,
		:warmup_advanced_on, :daily_limit, :hourly_limit, :sent_today, :sent_this_hour, :sent_total,
		:daily_reset_on, :hourly_reset_at, :is_active, :is_blacklisted, :priority, :last_sent_at,
		:created_at, :updated_at)`, toRow(si))
	if datasource.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert identity %s: %w", si.Address, err)
	}
	return nil
}

func (s *SQLStore) getWhere(ctx context.Context, where string, arg interface{}) (*SendingIdentity, error) {
	var row identityRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+identityColumns+` FROM sending_identities WHERE `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	si := row.identity()
	return &si, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*SendingIdentity, error) {
	return s.getWhere(ctx, "id = ?", id)
}

func (s *SQLStore) GetByAddress(ctx context.Context, address string) (*SendingIdentity, error) {
	return s.getWhere(ctx, "address = ?", address)
}

func (s *SQLStore) List(ctx context.Context) ([]SendingIdentity, error) {
	var rows []identityRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+identityColumns+` FROM sending_identities ORDER BY address`); err != nil {
		return nil, err
	}
	out := make([]SendingIdentity, len(rows))
	for i, r := range rows {
		out[i] = r.identity()
	}
	return out, nil
}

func (s *SQLStore) Reserve(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := s.exec(ctx, `UPDATE sending_identities
		SET sent_today = sent_today + 1,
			sent_this_hour = sent_this_hour + 1,
			sent_total = sent_total + 1,
			last_sent_at = ?,
			updated_at = ?
		WHERE id = ?
			AND is_active = ?
			AND is_blacklisted = ?
			AND sent_today < daily_limit
			AND sent_this_hour < hourly_limit`,
		at.Unix(), at.Unix(), id, true, false)
	if err != nil {
		return false, fmt.Errorf("failed to reserve identity %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLStore) Release(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE sending_identities
		SET sent_today = CASE WHEN sent_today > 0 THEN sent_today - 1 ELSE 0 END,
			sent_this_hour = CASE WHEN sent_this_hour > 0 THEN sent_this_hour - 1 ELSE 0 END,
			sent_total = CASE WHEN sent_total > 0 THEN sent_total - 1 ELSE 0 END,
			updated_at = ?
		WHERE id = ?`, time.Now().Unix(), id)
}

func (s *SQLStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.execOne(ctx, `UPDATE sending_identities SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().Unix(), id)
}

func (s *SQLStore) SetBlacklisted(ctx context.Context, id string, blacklisted bool) error {
	return s.execOne(ctx, `UPDATE sending_identities SET is_blacklisted = ?, updated_at = ? WHERE id = ?`,
		blacklisted, time.Now().Unix(), id)
}

func (s *SQLStore) SetPriority(ctx context.Context, id string, priority int) error {
	return s.execOne(ctx, `UPDATE sending_identities SET priority = ?, updated_at = ? WHERE id = ?`,
		priority, time.Now().Unix(), id)
}

func (s *SQLStore) AdvanceWarmup(ctx context.Context, id string, fromDay int, adv WarmupAdvance) (bool, error) {
	n, err := s.exec(ctx, `UPDATE sending_identities
		SET warmup_day = ?,
			daily_limit = ?,
			hourly_limit = ?,
			warmup_status = ?,
			warmup_advanced_on = ?,
			updated_at = ?
		WHERE id = ? AND warmup_day = ? AND warmup_advanced_on <> ?`,
		adv.Day, adv.DailyLimit, adv.HourlyLimit, string(adv.Status), adv.On, time.Now().Unix(),
		id, fromDay, adv.On)
	if err != nil {
		return false, fmt.Errorf("failed to advance warmup for %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLStore) SetWarmup(ctx context.Context, id string, adv WarmupAdvance) error {
	return s.execOne(ctx, `UPDATE sending_identities
		SET warmup_day = ?,
			daily_limit = ?,
			hourly_limit = ?,
			warmup_status = ?,
			warmup_advanced_on = ?,
			warmup_started_on = CASE WHEN ? <> '' THEN ? ELSE warmup_started_on END,
			updated_at = ?
		WHERE id = ?`,
		adv.Day, adv.DailyLimit, adv.HourlyLimit, string(adv.Status), adv.On,
		adv.StartedOn, adv.StartedOn, time.Now().Unix(), id)
}

func (s *SQLStore) ResetDaily(ctx context.Context, day string) (int64, error) {
	return s.exec(ctx, `UPDATE sending_identities SET sent_today = 0, daily_reset_on = ? WHERE daily_reset_on <> ?`, day, day)
}

func (s *SQLStore) ResetHourly(ctx context.Context, hour string) (int64, error) {
	return s.exec(ctx, `UPDATE sending_identities SET sent_this_hour = 0, hourly_reset_at = ? WHERE hourly_reset_at <> ?`, hour, hour)
}
