package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keyrotor/keyrotor/internal/sqlitedb"
)

// DailyLimiter consumes one unit of a per-day request allowance.
type DailyLimiter interface {
	Consume(ctx context.Context, token, model, dayKey string, limit int) (count int, allowed bool, err error)
}

// LimitCounter reports how much of each model allowance a token used on a day.
type LimitCounter interface {
	Counts(ctx context.Context, token, dayKey string) (map[string]int, error)
}

const limiterSchema = `
	CREATE TABLE IF NOT EXISTS daily_model_allowance (
		day TEXT NOT NULL,
		access_token TEXT NOT NULL,
		model TEXT NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (day, access_token, model)
	)`

// SQLiteDailyLimiter keeps per-day allowance counters in a sqlite file, so
// they survive restarts. Rows are keyed by UTC day first to make pruning cheap.
type SQLiteDailyLimiter struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

func NewSQLiteDailyLimiter(path string) (*SQLiteDailyLimiter, error) {
	db, abs, err := sqlitedb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("daily limiter: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = sqlitedb.ApplySchema(ctx, db, limiterSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("daily limiter: %w", err)
	}
	return &SQLiteDailyLimiter{db: db, path: abs, now: time.Now}, nil
}

// Path returns the absolute database path.
func (l *SQLiteDailyLimiter) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *SQLiteDailyLimiter) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

type allowanceKey struct {
	day, token, model string
}

func newAllowanceKey(token, model, dayKey string) (allowanceKey, error) {
	k := allowanceKey{
		day:   strings.TrimSpace(dayKey),
		token: strings.TrimSpace(token),
		model: strings.ToLower(strings.TrimSpace(model)),
	}
	if k.day == "" || k.token == "" || k.model == "" {
		return k, fmt.Errorf("daily limiter: token, model and day are required")
	}
	return k, nil
}

// Consume takes one unit of the (token, model, day) allowance. When limit is
// already used up nothing is written, allowed is false and count is the
// stored usage. A limit <= 0 never allows.
func (l *SQLiteDailyLimiter) Consume(ctx context.Context, token, model, dayKey string, limit int) (count int, allowed bool, err error) {
	if l == nil || l.db == nil {
		return 0, false, fmt.Errorf("daily limiter: not initialized")
	}
	key, err := newAllowanceKey(token, model, dayKey)
	if err != nil {
		return 0, false, err
	}
	if limit <= 0 {
		return 0, false, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("daily limiter: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	used, err := usedIn(ctx, tx, key)
	if err != nil {
		return 0, false, err
	}
	if used >= limit {
		return used, false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_model_allowance (day, access_token, model, used, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (day, access_token, model) DO UPDATE SET
			used = daily_model_allowance.used + 1,
			updated_at = excluded.updated_at
	`, key.day, key.token, key.model, l.now().UTC().Unix())
	if err != nil {
		return 0, false, fmt.Errorf("daily limiter: record use: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("daily limiter: commit: %w", err)
	}
	return used + 1, true, nil
}

func usedIn(ctx context.Context, tx *sql.Tx, key allowanceKey) (int, error) {
	var used int
	err := tx.QueryRowContext(ctx,
		`SELECT used FROM daily_model_allowance WHERE day = ? AND access_token = ? AND model = ?`,
		key.day, key.token, key.model,
	).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daily limiter: read usage: %w", err)
	}
	return used, nil
}

// Counts returns the used allowance per model for token on dayKey.
func (l *SQLiteDailyLimiter) Counts(ctx context.Context, token, dayKey string) (map[string]int, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("daily limiter: not initialized")
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT model, used FROM daily_model_allowance WHERE day = ? AND access_token = ?`,
		strings.TrimSpace(dayKey), strings.TrimSpace(token),
	)
	if err != nil {
		return nil, fmt.Errorf("daily limiter: query counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var model string
		var used int
		if err = rows.Scan(&model, &used); err != nil {
			return nil, fmt.Errorf("daily limiter: scan counts: %w", err)
		}
		out[model] = used
	}
	return out, rows.Err()
}

// Prune deletes counters of days before keepFrom (a DayKey) and returns how many rows went.
func (l *SQLiteDailyLimiter) Prune(ctx context.Context, keepFrom string) (int64, error) {
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("daily limiter: not initialized")
	}
	res, err := l.db.ExecContext(ctx, `DELETE FROM daily_model_allowance WHERE day < ?`, strings.TrimSpace(keepFrom))
	if err != nil {
		return 0, fmt.Errorf("daily limiter: prune: %w", err)
	}
	return res.RowsAffected()
}
